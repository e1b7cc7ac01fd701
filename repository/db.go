package repository

import (
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/tomyedwab/orbd/types"
)

type serverRow struct {
	ServerID        int            `db:"server_id"`
	ApplicationName sql.NullString `db:"application_name"`
	ServerBinary    string         `db:"server_binary"`
	ServerArgsJson  []byte         `db:"server_args"`
	RuntimeArgsJson []byte         `db:"runtime_args"`
	Installed       bool           `db:"installed"`
}

const serverSchema = `
CREATE TABLE IF NOT EXISTS server_def_v1 (
	server_id INTEGER PRIMARY KEY NOT NULL,
	application_name TEXT UNIQUE,
	server_binary TEXT NOT NULL,
	server_args JSONB NOT NULL,
	runtime_args JSONB NOT NULL,
	installed INTEGER NOT NULL DEFAULT 0
);
`

const getServerByIDV1Sql = `
SELECT server_id, application_name, server_binary, server_args, runtime_args, installed
FROM server_def_v1 WHERE server_id = $1;
`

const getServerIDByAppNameV1Sql = `
SELECT server_id FROM server_def_v1 WHERE application_name = $1;
`

const getMaxServerIDV1Sql = `
SELECT COALESCE(MAX(server_id), 0) FROM server_def_v1;
`

const insertServerV1Sql = `
INSERT INTO server_def_v1 (server_id, application_name, server_binary, server_args, runtime_args, installed)
VALUES ($1, $2, $3, $4, $5, $6);
`

const deleteServerV1Sql = `
DELETE FROM server_def_v1 WHERE server_id = $1;
`

const setInstalledV1Sql = `
UPDATE server_def_v1 SET installed = $2 WHERE server_id = $1;
`

const listServerIDsV1Sql = `
SELECT server_id FROM server_def_v1 ORDER BY server_id;
`

const listAppNamesV1Sql = `
SELECT application_name FROM server_def_v1 WHERE application_name IS NOT NULL ORDER BY application_name;
`

func ServerDBInit(db *sqlx.DB) error {
	_, err := db.Exec(serverSchema)
	return err
}

// ServerDBGet returns nil, nil when the server id is unknown.
func ServerDBGet(db sqlx.Queryer, serverID types.ServerID) (*types.ServerDef, error) {
	var row serverRow
	err := sqlx.Get(db, &row, getServerByIDV1Sql, int(serverID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	def := &types.ServerDef{
		ApplicationName: row.ApplicationName.String,
		ServerBinary:    row.ServerBinary,
		Installed:       row.Installed,
	}
	if err := json.Unmarshal(row.ServerArgsJson, &def.ServerArgs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(row.RuntimeArgsJson, &def.RuntimeArgs); err != nil {
		return nil, err
	}
	return def, nil
}

// ServerDBGetIDByAppName returns 0 when no server carries the name.
func ServerDBGetIDByAppName(db sqlx.Queryer, appName string) (types.ServerID, error) {
	var id int
	err := sqlx.Get(db, &id, getServerIDByAppNameV1Sql, appName)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return types.ServerID(id), err
}

func ServerDBMaxID(db sqlx.Queryer) (types.ServerID, error) {
	var id int
	err := sqlx.Get(db, &id, getMaxServerIDV1Sql)
	return types.ServerID(id), err
}

func ServerDBInsert(db sqlx.Execer, serverID types.ServerID, def types.ServerDef) error {
	serverArgs, err := json.Marshal(nonNil(def.ServerArgs))
	if err != nil {
		return err
	}
	runtimeArgs, err := json.Marshal(nonNil(def.RuntimeArgs))
	if err != nil {
		return err
	}
	appName := sql.NullString{String: def.ApplicationName, Valid: def.ApplicationName != ""}
	_, err = db.Exec(insertServerV1Sql, int(serverID), appName, def.ServerBinary, serverArgs, runtimeArgs, def.Installed)
	return err
}

func ServerDBDelete(db sqlx.Execer, serverID types.ServerID) error {
	_, err := db.Exec(deleteServerV1Sql, int(serverID))
	return err
}

func ServerDBSetInstalled(db sqlx.Execer, serverID types.ServerID, installed bool) error {
	_, err := db.Exec(setInstalledV1Sql, int(serverID), installed)
	return err
}

func ServerDBListIDs(db sqlx.Queryer) ([]types.ServerID, error) {
	var ids []int
	if err := sqlx.Select(db, &ids, listServerIDsV1Sql); err != nil {
		return nil, err
	}
	ret := make([]types.ServerID, len(ids))
	for i, id := range ids {
		ret[i] = types.ServerID(id)
	}
	return ret, nil
}

func ServerDBListAppNames(db sqlx.Queryer) ([]string, error) {
	names := []string{}
	err := sqlx.Select(db, &names, listAppNamesV1Sql)
	return names, err
}

func nonNil(args []string) []string {
	if args == nil {
		return []string{}
	}
	return args
}
