package locator

import "context"

// InvalidLocator is returned by the create calls when the server has no
// locator support.
const InvalidLocator = -1

// Procedures is the set of remote calls that operate on a LOB through its
// server side locator. Positions are 1-based, lengths are in bytes for
// BLOBs and in characters for CLOBs.
type Procedures interface {
	BlobCreateLocator(ctx context.Context) (int, error)
	BlobReleaseLocator(ctx context.Context, locator int) error
	BlobGetLength(ctx context.Context, locator int) (int64, error)
	BlobGetBytes(ctx context.Context, locator int, pos int64, length int) ([]byte, error)
	BlobSetBytes(ctx context.Context, locator int, pos int64, data []byte) error
	BlobTruncate(ctx context.Context, locator int, length int64) error
	BlobGetPositionFromBytes(ctx context.Context, locator int, pattern []byte, from int64) (int64, error)

	ClobCreateLocator(ctx context.Context) (int, error)
	ClobReleaseLocator(ctx context.Context, locator int) error
	ClobGetLength(ctx context.Context, locator int) (int64, error)
	ClobGetSubString(ctx context.Context, locator int, pos int64, length int) (string, error)
	ClobSetString(ctx context.Context, locator int, pos int64, data string) error
	ClobTruncate(ctx context.Context, locator int, length int64) error
	ClobGetPositionFromString(ctx context.Context, locator int, search string, from int64) (int64, error)
}
