package locator

import (
	"context"
	"database/sql/driver"
	"fmt"
	"unicode/utf8"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sijms/go-drda/lazy_init"
	"github.com/sijms/go-drda/network"
	"github.com/sijms/go-drda/trace"
)

// VarcharMaxWidth is the largest value a single procedure argument or
// result can carry. Longer values are split into several calls.
const VarcharMaxWidth = 32672

// Callable is a prepared CALL statement. Parameter indexes are 1-based.
type Callable interface {
	SetParam(index int, value driver.Value) error
	RegisterOutParam(index int, typ network.SqlType) error
	Exec(ctx context.Context) (driver.Result, error)
	OutParam(index int) (driver.Value, error)
	Close() error
}

type CallPreparer interface {
	PrepareCall(ctx context.Context, sqlText string) (Callable, error)
}

type procedure int

const (
	blobCreateLocator procedure = iota
	blobReleaseLocator
	blobGetLength
	blobGetBytes
	blobSetBytes
	blobTruncate
	blobGetPositionFromBytes
	clobCreateLocator
	clobReleaseLocator
	clobGetLength
	clobGetSubString
	clobSetString
	clobTruncate
	clobGetPositionFromString
	procedureCount
)

type procedureDef struct {
	text string
	// out is the type of the leading return parameter, zero for none
	out network.SqlType
}

var procedureDefs = [procedureCount]procedureDef{
	blobCreateLocator:         {"? = CALL SYSIBM.BLOBCREATELOCATOR()", network.Integer},
	blobReleaseLocator:        {"CALL SYSIBM.BLOBRELEASELOCATOR(?)", 0},
	blobGetLength:             {"? = CALL SYSIBM.BLOBGETLENGTH(?)", network.BigInt},
	blobGetBytes:              {"? = CALL SYSIBM.BLOBGETBYTES(?, ?, ?)", network.VarBinary},
	blobSetBytes:              {"CALL SYSIBM.BLOBSETBYTES(?, ?, ?, ?)", 0},
	blobTruncate:              {"CALL SYSIBM.BLOBTRUNCATE(?, ?)", 0},
	blobGetPositionFromBytes:  {"? = CALL SYSIBM.BLOBGETPOSITIONFROMBYTES(?, ?, ?)", network.BigInt},
	clobCreateLocator:         {"? = CALL SYSIBM.CLOBCREATELOCATOR()", network.Integer},
	clobReleaseLocator:        {"CALL SYSIBM.CLOBRELEASELOCATOR(?)", 0},
	clobGetLength:             {"? = CALL SYSIBM.CLOBGETLENGTH(?)", network.BigInt},
	clobGetSubString:          {"? = CALL SYSIBM.CLOBGETSUBSTRING(?, ?, ?)", network.VarChar},
	clobSetString:             {"CALL SYSIBM.CLOBSETSTRING(?, ?, ?, ?)", 0},
	clobTruncate:              {"CALL SYSIBM.CLOBTRUNCATE(?, ?)", 0},
	clobGetPositionFromString: {"? = CALL SYSIBM.CLOBGETPOSITIONFROMSTRING(?, ?, ?)", network.BigInt},
}

// CallableProcedures implements Procedures on top of the SYSIBM locator
// stored procedures. Each procedure is prepared on first use and kept for
// the life of the connection.
//
// It is not safe for concurrent use, callers hold the connection lock.
type CallableProcedures struct {
	preparer         CallPreparer
	tracer           trace.Tracer
	locatorSupported bool
	calls            [procedureCount]*lazy_init.LazyInit[Callable]
}

func NewCallableProcedures(preparer CallPreparer, tracer trace.Tracer) *CallableProcedures {
	if tracer == nil {
		tracer = trace.NilTracer()
	}
	ret := &CallableProcedures{
		preparer:         preparer,
		tracer:           tracer,
		locatorSupported: true,
	}
	for i := range ret.calls {
		def := procedureDefs[i]
		ret.calls[i] = lazy_init.NewLazyInit(func() (Callable, error) {
			stmt, err := preparer.PrepareCall(context.Background(), def.text)
			if err != nil {
				return nil, errors.Wrapf(err, "prepare %s", def.text)
			}
			if def.out != 0 {
				if err = stmt.RegisterOutParam(1, def.out); err != nil {
					_ = stmt.Close()
					return nil, err
				}
			}
			return stmt, nil
		})
	}
	return ret
}

func (procs *CallableProcedures) execute(ctx context.Context, proc procedure, args ...driver.Value) (driver.Value, error) {
	stmt, err := procs.calls[proc].GetValue()
	if err != nil {
		return nil, err
	}
	def := procedureDefs[proc]
	first := 1
	if def.out != 0 {
		first = 2
	}
	for i, arg := range args {
		if err = stmt.SetParam(first+i, arg); err != nil {
			return nil, err
		}
	}
	if _, err = stmt.Exec(ctx); err != nil {
		return nil, handleInvalidLocator(err)
	}
	if def.out == 0 {
		return nil, nil
	}
	return stmt.OutParam(1)
}

// handleInvalidLocator reports an unknown locator anywhere in the server
// error chain as an invalid LOB object.
func handleInvalidLocator(err error) error {
	var sqlErr *network.SqlError
	if errors.As(err, &sqlErr) && sqlErr.Find(network.StateLobLocatorInvalid) != nil {
		return &network.SqlError{
			SQLState: network.StateLobObjectInvalid,
			ErrMsg:   "LOB object is no longer valid: it was freed or its transaction has ended",
			Cause:    err,
		}
	}
	return err
}

func (procs *CallableProcedures) createLocator(ctx context.Context, proc procedure) (int, error) {
	if !procs.locatorSupported {
		return InvalidLocator, nil
	}
	ret, err := procs.execute(ctx, proc)
	if err != nil {
		var sqlErr *network.SqlError
		if errors.As(err, &sqlErr) && sqlErr.SQLState == network.StateNoSuchMethodAlias {
			procs.tracer.Print("Server has no locator procedures, locators disabled")
			procs.locatorSupported = false
			return InvalidLocator, nil
		}
		return InvalidLocator, err
	}
	locator, err := asInt64(ret)
	return int(locator), err
}

func (procs *CallableProcedures) BlobCreateLocator(ctx context.Context) (int, error) {
	return procs.createLocator(ctx, blobCreateLocator)
}

func (procs *CallableProcedures) ClobCreateLocator(ctx context.Context) (int, error) {
	return procs.createLocator(ctx, clobCreateLocator)
}

func (procs *CallableProcedures) BlobReleaseLocator(ctx context.Context, locator int) error {
	procs.tracer.Printf("Release BLOB locator: %d", locator)
	_, err := procs.execute(ctx, blobReleaseLocator, int64(locator))
	return err
}

func (procs *CallableProcedures) ClobReleaseLocator(ctx context.Context, locator int) error {
	procs.tracer.Printf("Release CLOB locator: %d", locator)
	_, err := procs.execute(ctx, clobReleaseLocator, int64(locator))
	return err
}

func (procs *CallableProcedures) BlobGetLength(ctx context.Context, locator int) (int64, error) {
	ret, err := procs.execute(ctx, blobGetLength, int64(locator))
	if err != nil {
		return 0, err
	}
	return asInt64(ret)
}

func (procs *CallableProcedures) ClobGetLength(ctx context.Context, locator int) (int64, error) {
	ret, err := procs.execute(ctx, clobGetLength, int64(locator))
	if err != nil {
		return 0, err
	}
	return asInt64(ret)
}

// BlobGetBytes keeps calling the server until length bytes arrived or the
// server returns nothing (end of value).
func (procs *CallableProcedures) BlobGetBytes(ctx context.Context, locator int, pos int64, length int) ([]byte, error) {
	if length == 0 {
		return []byte{}, nil
	}
	var data []byte
	gotSoFar := 0
	for gotSoFar < length {
		ret, err := procs.execute(ctx, blobGetBytes, int64(locator), pos+int64(gotSoFar), int64(length-gotSoFar))
		if err != nil {
			return nil, err
		}
		result, err := asBytes(ret)
		if err != nil {
			return nil, err
		}
		procs.tracer.LogPacket(fmt.Sprintf("Blob %d get bytes at %d:", locator, pos+int64(gotSoFar)), result)
		if gotSoFar == 0 {
			if len(result) == length {
				return result, nil
			}
			data = make([]byte, 0, length)
		}
		if len(result) == 0 {
			break
		}
		data = append(data, result...)
		gotSoFar += len(result)
	}
	return data, nil
}

func (procs *CallableProcedures) ClobGetSubString(ctx context.Context, locator int, pos int64, length int) (string, error) {
	if length == 0 {
		return "", nil
	}
	var data []rune
	gotSoFar := 0
	for gotSoFar < length {
		ret, err := procs.execute(ctx, clobGetSubString, int64(locator), pos+int64(gotSoFar), int64(length-gotSoFar))
		if err != nil {
			return "", err
		}
		result, err := asString(ret)
		if err != nil {
			return "", err
		}
		count := utf8.RuneCountInString(result)
		if gotSoFar == 0 {
			if count == length {
				return result, nil
			}
			data = make([]rune, 0, length)
		}
		if count == 0 {
			break
		}
		data = append(data, []rune(result)...)
		gotSoFar += count
	}
	return string(data), nil
}

func (procs *CallableProcedures) BlobSetBytes(ctx context.Context, locator int, pos int64, data []byte) error {
	sentSoFar := 0
	for sentSoFar < len(data) {
		n := min(len(data)-sentSoFar, VarcharMaxWidth)
		procs.tracer.LogPacket(fmt.Sprintf("Blob %d set bytes at %d:", locator, pos+int64(sentSoFar)), data[sentSoFar:sentSoFar+n])
		_, err := procs.execute(ctx, blobSetBytes, int64(locator), pos+int64(sentSoFar), int64(n), data[sentSoFar:sentSoFar+n])
		if err != nil {
			return err
		}
		sentSoFar += n
	}
	return nil
}

func (procs *CallableProcedures) ClobSetString(ctx context.Context, locator int, pos int64, data string) error {
	runes := []rune(data)
	sentSoFar := 0
	for sentSoFar < len(runes) {
		n := min(len(runes)-sentSoFar, VarcharMaxWidth)
		_, err := procs.execute(ctx, clobSetString, int64(locator), pos+int64(sentSoFar), int64(n), string(runes[sentSoFar:sentSoFar+n]))
		if err != nil {
			return err
		}
		sentSoFar += n
	}
	return nil
}

func (procs *CallableProcedures) BlobTruncate(ctx context.Context, locator int, length int64) error {
	_, err := procs.execute(ctx, blobTruncate, int64(locator), length)
	return err
}

func (procs *CallableProcedures) ClobTruncate(ctx context.Context, locator int, length int64) error {
	_, err := procs.execute(ctx, clobTruncate, int64(locator), length)
	return err
}

// BlobGetPositionFromBytes searches pattern starting at from. Patterns
// longer than VarcharMaxWidth are matched on their first chunk and then
// verified chunk by chunk; on mismatch the search resumes after the
// candidate.
func (procs *CallableProcedures) BlobGetPositionFromBytes(ctx context.Context, locator int, pattern []byte, from int64) (int64, error) {
	blobLength := int64(-1)
	for {
		foundAt, err := procs.blobPosition(ctx, locator, pattern[:min(len(pattern), VarcharMaxWidth)], from)
		if err != nil || foundAt <= 0 || len(pattern) <= VarcharMaxWidth {
			return foundAt, err
		}
		matched := true
		for compared := VarcharMaxWidth; compared < len(pattern); compared += VarcharMaxWidth {
			chunk := pattern[compared:min(len(pattern), compared+VarcharMaxWidth)]
			pos, err := procs.blobPosition(ctx, locator, chunk, foundAt+int64(compared))
			if err != nil {
				return -1, err
			}
			if pos != foundAt+int64(compared) {
				matched = false
				break
			}
		}
		if matched {
			return foundAt, nil
		}
		from = foundAt + 1
		if blobLength < 0 {
			if blobLength, err = procs.BlobGetLength(ctx, locator); err != nil {
				return -1, err
			}
		}
		if from+int64(len(pattern)) > blobLength+1 {
			return -1, nil
		}
	}
}

func (procs *CallableProcedures) blobPosition(ctx context.Context, locator int, pattern []byte, from int64) (int64, error) {
	ret, err := procs.execute(ctx, blobGetPositionFromBytes, int64(locator), pattern, from)
	if err != nil {
		return -1, err
	}
	return asInt64(ret)
}

func (procs *CallableProcedures) ClobGetPositionFromString(ctx context.Context, locator int, search string, from int64) (int64, error) {
	pattern := []rune(search)
	clobLength := int64(-1)
	for {
		foundAt, err := procs.clobPosition(ctx, locator, string(pattern[:min(len(pattern), VarcharMaxWidth)]), from)
		if err != nil || foundAt <= 0 || len(pattern) <= VarcharMaxWidth {
			return foundAt, err
		}
		matched := true
		for compared := VarcharMaxWidth; compared < len(pattern); compared += VarcharMaxWidth {
			chunk := string(pattern[compared:min(len(pattern), compared+VarcharMaxWidth)])
			pos, err := procs.clobPosition(ctx, locator, chunk, foundAt+int64(compared))
			if err != nil {
				return -1, err
			}
			if pos != foundAt+int64(compared) {
				matched = false
				break
			}
		}
		if matched {
			return foundAt, nil
		}
		from = foundAt + 1
		if clobLength < 0 {
			if clobLength, err = procs.ClobGetLength(ctx, locator); err != nil {
				return -1, err
			}
		}
		if from+int64(len(pattern)) > clobLength+1 {
			return -1, nil
		}
	}
}

func (procs *CallableProcedures) clobPosition(ctx context.Context, locator int, search string, from int64) (int64, error) {
	ret, err := procs.execute(ctx, clobGetPositionFromString, int64(locator), search, from)
	if err != nil {
		return -1, err
	}
	return asInt64(ret)
}

// Close closes every procedure statement prepared so far.
func (procs *CallableProcedures) Close() error {
	var result *multierror.Error
	for _, call := range procs.calls {
		if stmt, ok := call.Reset(); ok {
			if err := stmt.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	return result.ErrorOrNil()
}

func asInt64(v driver.Value) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	}
	return 0, fmt.Errorf("unexpected procedure result type %T, integer expected", v)
}

func asBytes(v driver.Value) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case nil:
		return []byte{}, nil
	}
	return nil, fmt.Errorf("unexpected procedure result type %T, []byte expected", v)
}

func asString(v driver.Value) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	case nil:
		return "", nil
	}
	return "", fmt.Errorf("unexpected procedure result type %T, string expected", v)
}
