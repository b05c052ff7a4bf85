package network

// SqlType identifies the type of a bound or registered parameter.
type SqlType int

const (
	Integer SqlType = iota + 1
	BigInt
	VarChar
	VarBinary
	Blob
	Clob
)

func (t SqlType) String() string {
	switch t {
	case Integer:
		return "INTEGER"
	case BigInt:
		return "BIGINT"
	case VarChar:
		return "VARCHAR"
	case VarBinary:
		return "VARCHAR FOR BIT DATA"
	case Blob:
		return "BLOB"
	case Clob:
		return "CLOB"
	}
	return "UNKNOWN"
}

type ResultSetType int

const (
	ForwardOnly ResultSetType = iota
	ScrollInsensitive
	ScrollSensitive
)

type Concurrency int

const (
	ReadOnly Concurrency = iota
	Updatable
)

// Holdability tells whether cursors stay open across commit.
type Holdability int

const (
	HoldCursorsOverCommit Holdability = iota
	CloseCursorsAtCommit
)

func (h Holdability) String() string {
	if h == CloseCursorsAtCommit {
		return "CLOSE"
	}
	return "HOLD"
}
