package naming

import (
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
)

type Binding struct {
	Name      string `db:"name" json:"name"`
	Reference string `db:"reference" json:"reference"`
	BoundAt   int64  `db:"bound_at" json:"bound_at"`
}

const bindingSchema = `
CREATE TABLE IF NOT EXISTS naming_binding_v1 (
	name TEXT PRIMARY KEY NOT NULL,
	reference TEXT NOT NULL,
	bound_at INTEGER NOT NULL
);
`

const getBindingV1Sql = `
SELECT name, reference, bound_at FROM naming_binding_v1 WHERE name = $1;
`

const insertBindingV1Sql = `
INSERT INTO naming_binding_v1 (name, reference, bound_at) VALUES ($1, $2, $3);
`

const upsertBindingV1Sql = `
INSERT INTO naming_binding_v1 (name, reference, bound_at) VALUES ($1, $2, $3)
ON CONFLICT (name) DO UPDATE SET reference = excluded.reference, bound_at = excluded.bound_at;
`

const deleteBindingV1Sql = `
DELETE FROM naming_binding_v1 WHERE name = $1;
`

const listBindingsV1Sql = `
SELECT name, reference, bound_at FROM naming_binding_v1 ORDER BY name;
`

func BindingDBInit(db *sqlx.DB) error {
	_, err := db.Exec(bindingSchema)
	return err
}

// BindingDBGet returns nil, nil when the name is unbound.
func BindingDBGet(db sqlx.Queryer, name string) (*Binding, error) {
	var b Binding
	err := sqlx.Get(db, &b, getBindingV1Sql, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func BindingDBInsert(db sqlx.Execer, b Binding) error {
	_, err := db.Exec(insertBindingV1Sql, b.Name, b.Reference, b.BoundAt)
	return err
}

func BindingDBUpsert(db sqlx.Execer, b Binding) error {
	_, err := db.Exec(upsertBindingV1Sql, b.Name, b.Reference, b.BoundAt)
	return err
}

// BindingDBDelete reports whether a row was removed.
func BindingDBDelete(db sqlx.Execer, name string) (bool, error) {
	res, err := db.Exec(deleteBindingV1Sql, name)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func BindingDBList(db sqlx.Queryer) ([]Binding, error) {
	bindings := []Binding{}
	err := sqlx.Select(db, &bindings, listBindingsV1Sql)
	return bindings, err
}
