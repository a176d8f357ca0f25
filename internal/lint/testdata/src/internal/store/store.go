package store

const (
	direct  = `SELECT * FROM entities WHERE id = ?`
	joined  = `SELECT * FROM scoped_entities e JOIN movements m ON m.id = e.id`
	scoped  = `SELECT * FROM scoped_entities`
	cleanup = `DELETE FROM entities WHERE id = ?`
)

var queries = []string{direct, joined, scoped, cleanup}
