package locator

import (
	"bytes"
	"context"
	"database/sql/driver"
	"errors"
	"strings"
	"testing"

	"github.com/sijms/go-drda/network"
	"github.com/sijms/go-drda/trace"
	"gotest.tools/v3/assert"
)

type fakeCall struct {
	srv    *fakeProcServer
	text   string
	params map[int]driver.Value
	out    driver.Value
	closed bool
}

func (c *fakeCall) SetParam(index int, value driver.Value) error {
	c.params[index] = value
	return nil
}

func (c *fakeCall) RegisterOutParam(index int, typ network.SqlType) error { return nil }

func (c *fakeCall) OutParam(index int) (driver.Value, error) { return c.out, nil }

func (c *fakeCall) Close() error {
	c.closed = true
	return nil
}

func (c *fakeCall) Exec(ctx context.Context) (driver.Result, error) {
	c.srv.execs = append(c.srv.execs, c.text)
	if c.srv.failWith != nil {
		return nil, c.srv.failWith
	}
	out, err := c.srv.handle(c)
	c.out = out
	return driver.RowsAffected(0), err
}

// fakeProcServer serves blob values and returns at most maxReturn bytes per
// get call, the way a server limits VARCHAR results.
type fakeProcServer struct {
	blobs     map[int64][]byte
	maxReturn int
	prepared  []string
	execs     []string
	calls     []*fakeCall
	failWith  error
	chunkLens []int
}

func (s *fakeProcServer) PrepareCall(ctx context.Context, text string) (Callable, error) {
	s.prepared = append(s.prepared, text)
	call := &fakeCall{srv: s, text: text, params: map[int]driver.Value{}}
	s.calls = append(s.calls, call)
	return call, nil
}

func (s *fakeProcServer) handle(c *fakeCall) (driver.Value, error) {
	switch {
	case strings.Contains(c.text, "BLOBGETBYTES"):
		data := s.blobs[c.params[2].(int64)]
		pos := c.params[3].(int64)
		n := int(c.params[4].(int64))
		if s.maxReturn > 0 && n > s.maxReturn {
			n = s.maxReturn
		}
		start := int(pos - 1)
		if start >= len(data) {
			return []byte{}, nil
		}
		end := min(start+n, len(data))
		return append([]byte(nil), data[start:end]...), nil
	case strings.Contains(c.text, "BLOBSETBYTES"):
		loc := c.params[1].(int64)
		pos := c.params[2].(int64)
		chunk := c.params[4].([]byte)
		s.chunkLens = append(s.chunkLens, len(chunk))
		data := s.blobs[loc]
		for int64(len(data)) < pos-1+int64(len(chunk)) {
			data = append(data, 0)
		}
		copy(data[pos-1:], chunk)
		s.blobs[loc] = data
		return nil, nil
	case strings.Contains(c.text, "BLOBGETLENGTH"):
		return int64(len(s.blobs[c.params[2].(int64)])), nil
	case strings.Contains(c.text, "BLOBGETPOSITIONFROMBYTES"):
		data := s.blobs[c.params[2].(int64)]
		pattern := c.params[3].([]byte)
		from := c.params[4].(int64)
		idx := bytes.Index(data[from-1:], pattern)
		if idx < 0 {
			return int64(-1), nil
		}
		return from + int64(idx), nil
	case strings.Contains(c.text, "CLOBGETSUBSTRING"):
		return "héllo wörld", nil
	}
	return nil, nil
}

func TestBlobGetBytesLoopsUntilComplete(t *testing.T) {
	srv := &fakeProcServer{blobs: map[int64][]byte{1: []byte("0123456789")}, maxReturn: 3}
	procs := NewCallableProcedures(srv, nil)
	data, err := procs.BlobGetBytes(context.Background(), 1, 2, 8)
	assert.NilError(t, err)
	assert.Equal(t, string(data), "12345678")
	assert.Equal(t, len(srv.execs), 3)
	// statement prepared once and reused
	assert.Equal(t, len(srv.prepared), 1)
}

// packetTracer keeps the LogPacket calls.
type packetTracer struct {
	trace.Tracer
	titles []string
	sizes  []int
}

func (tr *packetTracer) LogPacket(s string, p []byte) {
	tr.titles = append(tr.titles, s)
	tr.sizes = append(tr.sizes, len(p))
}

func TestChunksAreTraced(t *testing.T) {
	srv := &fakeProcServer{blobs: map[int64][]byte{1: []byte("0123456789")}, maxReturn: 4}
	tracer := &packetTracer{Tracer: trace.NilTracer()}
	procs := NewCallableProcedures(srv, tracer)
	_, err := procs.BlobGetBytes(context.Background(), 1, 1, 6)
	assert.NilError(t, err)
	assert.NilError(t, procs.BlobSetBytes(context.Background(), 1, 3, []byte("xy")))
	assert.DeepEqual(t, tracer.titles, []string{
		"Blob 1 get bytes at 1:",
		"Blob 1 get bytes at 5:",
		"Blob 1 set bytes at 3:",
	})
	assert.DeepEqual(t, tracer.sizes, []int{4, 2, 2})
}

func TestBlobGetBytesStopsAtEnd(t *testing.T) {
	srv := &fakeProcServer{blobs: map[int64][]byte{1: []byte("abc")}, maxReturn: 2}
	procs := NewCallableProcedures(srv, nil)
	data, err := procs.BlobGetBytes(context.Background(), 1, 1, 10)
	assert.NilError(t, err)
	assert.Equal(t, string(data), "abc")
}

func TestBlobSetBytesChunks(t *testing.T) {
	srv := &fakeProcServer{blobs: map[int64][]byte{1: {}}}
	procs := NewCallableProcedures(srv, nil)
	payload := bytes.Repeat([]byte{'x'}, VarcharMaxWidth*2+5)
	assert.NilError(t, procs.BlobSetBytes(context.Background(), 1, 1, payload))
	assert.DeepEqual(t, srv.chunkLens, []int{VarcharMaxWidth, VarcharMaxWidth, 5})
	assert.Equal(t, len(srv.blobs[1]), len(payload))
}

func TestBlobPositionLongPattern(t *testing.T) {
	pattern := bytes.Repeat([]byte{'a'}, VarcharMaxWidth+10)
	value := append([]byte("zz"), pattern...)
	srv := &fakeProcServer{blobs: map[int64][]byte{1: value}}
	procs := NewCallableProcedures(srv, nil)
	pos, err := procs.BlobGetPositionFromBytes(context.Background(), 1, pattern, 1)
	assert.NilError(t, err)
	assert.Equal(t, pos, int64(3))
}

func TestClobGetSubStringCountsCharacters(t *testing.T) {
	srv := &fakeProcServer{}
	procs := NewCallableProcedures(srv, nil)
	s, err := procs.ClobGetSubString(context.Background(), 7, 1, 11)
	assert.NilError(t, err)
	assert.Equal(t, s, "héllo wörld")
	assert.Equal(t, len(srv.execs), 1)
}

func TestInvalidLocatorIsMapped(t *testing.T) {
	chain := network.NewSqlError("38000", 0, "procedure failed").Chain(
		network.NewSqlError(network.StateLobLocatorInvalid, 0, "no locator 5"))
	srv := &fakeProcServer{failWith: chain}
	procs := NewCallableProcedures(srv, nil)
	_, err := procs.BlobGetLength(context.Background(), 5)
	var sqlErr *network.SqlError
	assert.Assert(t, errors.As(err, &sqlErr))
	assert.Equal(t, sqlErr.SQLState, network.StateLobObjectInvalid)
	assert.Assert(t, errors.Is(err, chain))
}

func TestCreateLocatorWithoutServerSupport(t *testing.T) {
	srv := &fakeProcServer{failWith: network.NewSqlError(network.StateNoSuchMethodAlias, 0, "no such procedure")}
	procs := NewCallableProcedures(srv, nil)
	loc, err := procs.BlobCreateLocator(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, loc, InvalidLocator)
	loc, err = procs.ClobCreateLocator(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, loc, InvalidLocator)
	// second create does not go to the server any more
	assert.Equal(t, len(srv.execs), 1)
}

func TestCloseClosesPreparedStatements(t *testing.T) {
	srv := &fakeProcServer{blobs: map[int64][]byte{1: []byte("abc")}}
	procs := NewCallableProcedures(srv, nil)
	_, err := procs.BlobGetLength(context.Background(), 1)
	assert.NilError(t, err)
	assert.NilError(t, procs.BlobReleaseLocator(context.Background(), 1))
	assert.NilError(t, procs.Close())
	for _, call := range srv.calls {
		assert.Assert(t, call.closed)
	}
	assert.Equal(t, len(srv.calls), 2)
}
