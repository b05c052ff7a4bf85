package go_drda

import "context"

type Transaction struct {
	conn *Connection
	ctx  context.Context
}

func (tx *Transaction) Commit() error {
	return tx.conn.Commit(tx.ctx)
}

func (tx *Transaction) Rollback() error {
	return tx.conn.Rollback(tx.ctx)
}
