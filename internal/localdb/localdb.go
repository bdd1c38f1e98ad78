// Package localdb is the briefcase-local entity store: a SQLite database
// holding the working copy of the shared data plus a journal of local,
// reversible transactions ("Txns") that have been saved but not yet pushed.
package localdb

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/maruel/briefhub/internal/models"
	"github.com/maruel/ksid"
	_ "modernc.org/sqlite" // pure Go, no CGO
)

// ErrElementNotFound is returned when an element id does not resolve.
var ErrElementNotFound = errors.New("element not found")

// ErrNoTxn is returned by ReverseSingleTxn when there is nothing to reverse.
var ErrNoTxn = errors.New("no reversible txn")

// ErrUnsavedChanges is returned when an operation requires a clean working set.
var ErrUnsavedChanges = errors.New("unsaved changes present; save or abandon them first")

// Element is the unit of whole-entity conflict resolution.
type Element struct {
	ID      ksid.ID         `json:"id"`
	ModelID ksid.ID         `json:"model_id"`
	Code    *models.CodeKey `json:"code,omitempty"`
	Label   string          `json:"label,omitempty"`
	Props   json.RawMessage `json:"props,omitempty"`
}

// Clone returns a deep copy of the element.
func (e *Element) Clone() *Element {
	c := *e
	if e.Code != nil {
		code := *e.Code
		c.Code = &code
	}
	if e.Props != nil {
		c.Props = append(json.RawMessage(nil), e.Props...)
	}
	return &c
}

// pendingOp is one not-yet-saved write, with the pre-image needed to undo it.
type pendingOp struct {
	kind     models.OpKind
	entityID ksid.ID
	before   *Element // nil for inserts
}

// DB is one briefcase's local database connection.
//
// Writes accumulate in an open SQLite transaction until SaveChanges commits
// them as one named, reversible Txn. The connection is single-threaded by
// contract (one briefcase, one flow of control).
type DB struct {
	path    string
	db      *sql.DB
	tx      *sql.Tx
	pending []pendingOp
}

const schema = `
CREATE TABLE IF NOT EXISTS elements (
	id TEXT PRIMARY KEY,
	model_id TEXT NOT NULL,
	code_spec TEXT NOT NULL DEFAULT '',
	code_scope TEXT NOT NULL DEFAULT '',
	code_value TEXT NOT NULL DEFAULT '',
	label TEXT NOT NULL DEFAULT '',
	props TEXT
);
CREATE TABLE IF NOT EXISTS txns (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	description TEXT NOT NULL,
	created INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS txn_ops (
	txn_id INTEGER NOT NULL,
	seq INTEGER NOT NULL,
	kind TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	before TEXT,
	PRIMARY KEY (txn_id, seq)
);
CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Open opens (or creates) the local database at path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local db %s: %w", path, err)
	}
	// One connection: all statements must observe the open transaction.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	d := &DB{path: path, db: db}
	if err := d.begin(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

// Close rolls back any unsaved changes and closes the connection.
func (d *DB) Close() error {
	if d.tx != nil {
		_ = d.tx.Rollback()
		d.tx = nil
	}
	d.pending = nil
	return d.db.Close()
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

func (d *DB) begin() error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	d.tx = tx
	return nil
}

// HasUnsavedChanges reports whether writes are waiting for SaveChanges.
func (d *DB) HasUnsavedChanges() bool {
	return len(d.pending) > 0
}

// GetElement returns the element with the given id, or ErrElementNotFound.
func (d *DB) GetElement(id ksid.ID) (*Element, error) {
	return d.getElement(id)
}

func (d *DB) getElement(id ksid.ID) (*Element, error) {
	row := d.tx.QueryRow(
		`SELECT id, model_id, code_spec, code_scope, code_value, label, props FROM elements WHERE id = ?`,
		id.String())
	return scanElement(row)
}

func scanElement(row *sql.Row) (*Element, error) {
	var idStr, modelStr, codeSpec, codeScope, codeValue, label string
	var props sql.NullString
	if err := row.Scan(&idStr, &modelStr, &codeSpec, &codeScope, &codeValue, &label, &props); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrElementNotFound
		}
		return nil, fmt.Errorf("failed to read element: %w", err)
	}
	id, err := ksid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt element id %q: %w", idStr, err)
	}
	el := &Element{ID: id, Label: label}
	if modelStr != "" {
		if el.ModelID, err = ksid.Parse(modelStr); err != nil {
			return nil, fmt.Errorf("corrupt model id %q: %w", modelStr, err)
		}
	}
	if codeSpec != "" || codeScope != "" || codeValue != "" {
		specID := ksid.ID(0)
		if codeSpec != "" {
			if specID, err = ksid.Parse(codeSpec); err != nil {
				return nil, fmt.Errorf("corrupt code spec %q: %w", codeSpec, err)
			}
		}
		el.Code = &models.CodeKey{SpecID: specID, Scope: codeScope, Value: codeValue}
	}
	if props.Valid && props.String != "" {
		el.Props = json.RawMessage(props.String)
	}
	return el, nil
}

func (d *DB) writeElement(el *Element) error {
	var codeSpec, codeScope, codeValue string
	if el.Code != nil {
		if !el.Code.SpecID.IsZero() {
			codeSpec = el.Code.SpecID.String()
		}
		codeScope = el.Code.Scope
		codeValue = el.Code.Value
	}
	var modelStr string
	if !el.ModelID.IsZero() {
		modelStr = el.ModelID.String()
	}
	var props any
	if el.Props != nil {
		props = string(el.Props)
	}
	_, err := d.tx.Exec(
		`INSERT INTO elements (id, model_id, code_spec, code_scope, code_value, label, props)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   model_id = excluded.model_id,
		   code_spec = excluded.code_spec,
		   code_scope = excluded.code_scope,
		   code_value = excluded.code_value,
		   label = excluded.label,
		   props = excluded.props`,
		el.ID.String(), modelStr, codeSpec, codeScope, codeValue, el.Label, props)
	if err != nil {
		return fmt.Errorf("failed to write element %s: %w", el.ID, err)
	}
	return nil
}

func (d *DB) removeElement(id ksid.ID) error {
	if _, err := d.tx.Exec(`DELETE FROM elements WHERE id = ?`, id.String()); err != nil {
		return fmt.Errorf("failed to delete element %s: %w", id, err)
	}
	return nil
}

// InsertElement creates a new element. A zero id is assigned automatically.
func (d *DB) InsertElement(el *Element) (ksid.ID, error) {
	if el.ID.IsZero() {
		el.ID = ksid.NewID()
	}
	if _, err := d.getElement(el.ID); err == nil {
		return 0, fmt.Errorf("element %s already exists", el.ID)
	} else if !errors.Is(err, ErrElementNotFound) {
		return 0, err
	}
	if err := d.writeElement(el); err != nil {
		return 0, err
	}
	d.pending = append(d.pending, pendingOp{kind: models.OpInsert, entityID: el.ID})
	return el.ID, nil
}

// UpdateElement replaces an existing element's content.
func (d *DB) UpdateElement(el *Element) error {
	before, err := d.getElement(el.ID)
	if err != nil {
		return err
	}
	if err := d.writeElement(el); err != nil {
		return err
	}
	d.pending = append(d.pending, pendingOp{kind: models.OpUpdate, entityID: el.ID, before: before})
	return nil
}

// DeleteElement removes an existing element.
func (d *DB) DeleteElement(id ksid.ID) error {
	before, err := d.getElement(id)
	if err != nil {
		return err
	}
	if err := d.removeElement(id); err != nil {
		return err
	}
	d.pending = append(d.pending, pendingOp{kind: models.OpDelete, entityID: id, before: before})
	return nil
}

// SaveChanges commits the pending writes as one named, reversible Txn and
// returns its id. With no pending writes it is a no-op returning the last
// Txn id.
func (d *DB) SaveChanges(description string) (int64, error) {
	if len(d.pending) == 0 {
		return d.LastTxnID()
	}

	res, err := d.tx.Exec(`INSERT INTO txns (description, created) VALUES (?, ?)`,
		description, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to record txn: %w", err)
	}
	txnID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get txn id: %w", err)
	}

	for seq, op := range d.pending {
		var before any
		if op.before != nil {
			data, err := json.Marshal(op.before)
			if err != nil {
				return 0, fmt.Errorf("failed to marshal pre-image: %w", err)
			}
			before = string(data)
		}
		if _, err := d.tx.Exec(
			`INSERT INTO txn_ops (txn_id, seq, kind, entity_id, before) VALUES (?, ?, ?, ?, ?)`,
			txnID, seq, string(op.kind), op.entityID.String(), before); err != nil {
			return 0, fmt.Errorf("failed to journal op: %w", err)
		}
	}

	if err := d.commitAndBegin(); err != nil {
		return 0, err
	}
	d.pending = nil
	return txnID, nil
}

// AbandonChanges rolls back all pending writes.
func (d *DB) AbandonChanges() error {
	if err := d.tx.Rollback(); err != nil {
		return fmt.Errorf("failed to roll back: %w", err)
	}
	d.pending = nil
	return d.begin()
}

func (d *DB) commitAndBegin() error {
	if err := d.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return d.begin()
}

// LastTxnID returns the id of the most recent Txn, or 0 when none exist.
func (d *DB) LastTxnID() (int64, error) {
	var id sql.NullInt64
	if err := d.tx.QueryRow(`SELECT MAX(id) FROM txns`).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to read last txn: %w", err)
	}
	return id.Int64, nil
}

// ReverseSingleTxn undoes the most recent Txn: elements it created become
// unresolvable again, updates and deletes are restored from their pre-images.
// The reversed Txn leaves the journal, so it is no longer part of the local
// change-set to push. Pending unsaved changes must be saved or abandoned first.
func (d *DB) ReverseSingleTxn() error {
	if len(d.pending) > 0 {
		return ErrUnsavedChanges
	}
	txnID, err := d.LastTxnID()
	if err != nil {
		return err
	}
	if txnID == 0 {
		return ErrNoTxn
	}

	rows, err := d.tx.Query(
		`SELECT kind, entity_id, before FROM txn_ops WHERE txn_id = ? ORDER BY seq DESC`, txnID)
	if err != nil {
		return fmt.Errorf("failed to read txn journal: %w", err)
	}
	type journalOp struct {
		kind     models.OpKind
		entityID ksid.ID
		before   *Element
	}
	var ops []journalOp
	for rows.Next() {
		var kind, entityStr string
		var before sql.NullString
		if err := rows.Scan(&kind, &entityStr, &before); err != nil {
			_ = rows.Close()
			return fmt.Errorf("failed to scan journal row: %w", err)
		}
		entityID, err := ksid.Parse(entityStr)
		if err != nil {
			_ = rows.Close()
			return fmt.Errorf("corrupt journal entity id %q: %w", entityStr, err)
		}
		op := journalOp{kind: models.OpKind(kind), entityID: entityID}
		if before.Valid && before.String != "" {
			var el Element
			if err := json.Unmarshal([]byte(before.String), &el); err != nil {
				_ = rows.Close()
				return fmt.Errorf("corrupt pre-image: %w", err)
			}
			op.before = &el
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("failed to iterate journal: %w", err)
	}
	_ = rows.Close()

	for _, op := range ops {
		switch op.kind {
		case models.OpInsert:
			if err := d.removeElement(op.entityID); err != nil {
				return err
			}
		case models.OpUpdate, models.OpDelete:
			if err := d.writeElement(op.before); err != nil {
				return err
			}
		}
	}

	if _, err := d.tx.Exec(`DELETE FROM txn_ops WHERE txn_id = ?`, txnID); err != nil {
		return fmt.Errorf("failed to clear journal: %w", err)
	}
	if _, err := d.tx.Exec(`DELETE FROM txns WHERE id = ?`, txnID); err != nil {
		return fmt.Errorf("failed to clear txn: %w", err)
	}
	return d.commitAndBegin()
}

// ApplyExternal applies an incoming change-set operation without journaling
// it as local work. Used by the merge engine: merged changes are not part of
// the briefcase's own push set.
func (d *DB) ApplyExternal(op models.EntityOp) error {
	switch op.Kind {
	case models.OpInsert, models.OpUpdate:
		return d.writeElement(&Element{
			ID:      op.EntityID,
			ModelID: op.ModelID,
			Code:    op.Code,
			Label:   op.Label,
			Props:   op.Props,
		})
	case models.OpDelete:
		return d.removeElement(op.EntityID)
	}
	return fmt.Errorf("unknown op kind %q", op.Kind)
}

// FlushExternal commits externally applied changes. Only valid when no local
// writes are pending.
func (d *DB) FlushExternal() error {
	if len(d.pending) > 0 {
		return ErrUnsavedChanges
	}
	return d.commitAndBegin()
}

// LocalChange is the collapsed per-entity outcome of the journal window
// since the last push.
type LocalChange struct {
	EntityID ksid.ID
	Kind     models.OpKind
}

// ChangesSince collapses the Txn journal after the given Txn id into one
// operation per entity, in first-touched order: insert+update collapses to
// insert, insert+delete cancels out, update+delete collapses to delete.
func (d *DB) ChangesSince(txnID int64) ([]LocalChange, error) {
	rows, err := d.tx.Query(
		`SELECT kind, entity_id FROM txn_ops WHERE txn_id > ? ORDER BY txn_id, seq`, txnID)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	type track struct {
		first models.OpKind
		last  models.OpKind
	}
	byEntity := make(map[ksid.ID]*track)
	var order []ksid.ID
	for rows.Next() {
		var kind, entityStr string
		if err := rows.Scan(&kind, &entityStr); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		entityID, err := ksid.Parse(entityStr)
		if err != nil {
			return nil, fmt.Errorf("corrupt journal entity id %q: %w", entityStr, err)
		}
		t := byEntity[entityID]
		if t == nil {
			t = &track{first: models.OpKind(kind)}
			byEntity[entityID] = t
			order = append(order, entityID)
		}
		t.last = models.OpKind(kind)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate journal: %w", err)
	}

	var changes []LocalChange
	for _, id := range order {
		t := byEntity[id]
		switch {
		case t.last == models.OpDelete && t.first == models.OpInsert:
			// Created and destroyed locally: nothing to push.
		case t.last == models.OpDelete:
			changes = append(changes, LocalChange{EntityID: id, Kind: models.OpDelete})
		case t.first == models.OpInsert:
			changes = append(changes, LocalChange{EntityID: id, Kind: models.OpInsert})
		default:
			changes = append(changes, LocalChange{EntityID: id, Kind: models.OpUpdate})
		}
	}
	return changes, nil
}

// OpsSince materializes ChangesSince into change-set operations, reading the
// current content of surviving entities.
func (d *DB) OpsSince(txnID int64) ([]models.EntityOp, error) {
	changes, err := d.ChangesSince(txnID)
	if err != nil {
		return nil, err
	}
	ops := make([]models.EntityOp, 0, len(changes))
	for _, c := range changes {
		if c.Kind == models.OpDelete {
			ops = append(ops, models.EntityOp{Kind: models.OpDelete, EntityID: c.EntityID})
			continue
		}
		el, err := d.getElement(c.EntityID)
		if err != nil {
			return nil, fmt.Errorf("failed to materialize op for %s: %w", c.EntityID, err)
		}
		ops = append(ops, models.EntityOp{
			Kind:     c.Kind,
			EntityID: el.ID,
			ModelID:  el.ModelID,
			Code:     el.Code,
			Label:    el.Label,
			Props:    el.Props,
		})
	}
	return ops, nil
}

// GetMeta returns the stored value for key, or "" when unset.
func (d *DB) GetMeta(key string) (string, error) {
	var value string
	err := d.tx.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read meta %q: %w", key, err)
	}
	return value, nil
}

// SetMeta stores a key/value pair. The write participates in the current
// transaction and is durable after the next commit.
func (d *DB) SetMeta(key, value string) error {
	_, err := d.tx.Exec(
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write meta %q: %w", key, err)
	}
	return nil
}

// WithPreparedStatement prepares a raw SQL statement against the current
// transaction and passes it to fn. Escape hatch for integrity checks.
func (d *DB) WithPreparedStatement(query string, fn func(*sql.Stmt) error) error {
	stmt, err := d.tx.Prepare(query)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer func() {
		_ = stmt.Close()
	}()
	return fn(stmt)
}
