// Copyright 2024 The TruckeeFS Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package inodestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/eons-dev/truckeefs/internal/fserr"
)

const schema = `
CREATE TABLE IF NOT EXISTS inodes (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	kind           INTEGER NOT NULL,
	mode           INTEGER NOT NULL,
	uid            INTEGER NOT NULL,
	gid            INTEGER NOT NULL,
	size           INTEGER NOT NULL DEFAULT 0,
	atime          INTEGER NOT NULL,
	mtime          INTEGER NOT NULL,
	ctime          INTEGER NOT NULL,
	nlink          INTEGER NOT NULL DEFAULT 1,
	remote_ref     TEXT NOT NULL DEFAULT '',
	parent_id      INTEGER NOT NULL DEFAULT 0,
	name_in_parent TEXT NOT NULL DEFAULT '',
	symlink_target TEXT NOT NULL DEFAULT '',
	version        INTEGER NOT NULL DEFAULT 1,
	dirty          INTEGER NOT NULL DEFAULT 0,
	last_sync      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS dirents (
	parent_id INTEGER NOT NULL,
	name      TEXT NOT NULL,
	child_id  INTEGER NOT NULL,
	PRIMARY KEY (parent_id, name)
);

CREATE INDEX IF NOT EXISTS idx_dirents_child ON dirents (child_id);
CREATE INDEX IF NOT EXISTS idx_inodes_dirty ON inodes (dirty) WHERE dirty != 0;
`

type sqlStore struct {
	db *sql.DB
}

// NewSQL opens the relational store at the given DSN. The schema is created
// if absent.
func NewSQL(url string) (Store, error) {
	dsn := strings.TrimPrefix(url, "sqlite:")

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open inode store: %w", err)
	}

	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// surprises under our per-inode transactions.
	db.SetMaxOpenConns(1)

	if _, err = db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &sqlStore{db: db}, nil
}

var _ Store = &sqlStore{}

const inodeColumns = `id, kind, mode, uid, gid, size, atime, mtime, ctime,
	nlink, remote_ref, parent_id, name_in_parent, symlink_target, version,
	dirty, last_sync`

func (s *sqlStore) Get(ctx context.Context, id ID) (*Inode, error) {
	row := s.db.QueryRowContext(
		ctx, `SELECT `+inodeColumns+` FROM inodes WHERE id = ?`, int64(id))
	return scanInode(row)
}

func (s *sqlStore) GetByPath(
	ctx context.Context,
	parentID ID,
	name string) (*Inode, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+inodeColumns+` FROM inodes
		WHERE id = (SELECT child_id FROM dirents WHERE parent_id = ? AND name = ?)`,
		int64(parentID), name)
	return scanInode(row)
}

func (s *sqlStore) Insert(ctx context.Context, in *Inode) (id ID, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if in.ParentID != 0 {
		var existing int64
		err = tx.QueryRowContext(ctx,
			`SELECT child_id FROM dirents WHERE parent_id = ? AND name = ?`,
			int64(in.ParentID), in.NameInParent).Scan(&existing)
		switch {
		case err == nil:
			return 0, fserr.New(fserr.KindExists, "inodestore.insert")
		case !errors.Is(err, sql.ErrNoRows):
			return 0, err
		}
	}

	in.Version = 1
	res, err := tx.ExecContext(ctx, `
		INSERT INTO inodes (kind, mode, uid, gid, size, atime, mtime, ctime,
			nlink, remote_ref, parent_id, name_in_parent, symlink_target,
			version, dirty, last_sync)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int(in.Kind), uint32(in.Mode), in.Uid, in.Gid, in.Size,
		in.Atime.UnixNano(), in.Mtime.UnixNano(), in.Ctime.UnixNano(),
		in.Nlink, in.RemoteRef, int64(in.ParentID), in.NameInParent,
		in.SymlinkTarget, in.Version, int(in.Dirty), in.LastSyncTs.UnixNano())
	if err != nil {
		return 0, err
	}

	raw, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	id = ID(raw)
	in.ID = id

	if in.ParentID != 0 {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO dirents (parent_id, name, child_id) VALUES (?, ?, ?)`,
			int64(in.ParentID), in.NameInParent, raw)
		if err != nil {
			return 0, err
		}
	}

	return id, tx.Commit()
}

func (s *sqlStore) Update(ctx context.Context, in *Inode, expected int64) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Read the stored parent/name first: only a change of either moves the
	// directory entry. A plain metadata update must not resurrect an entry
	// that unlink or rename has already taken away from this row.
	var curParent int64
	var curName string
	err = tx.QueryRowContext(ctx,
		`SELECT parent_id, name_in_parent FROM inodes WHERE id = ?`,
		int64(in.ID)).Scan(&curParent, &curName)
	if errors.Is(err, sql.ErrNoRows) {
		return fserr.New(fserr.KindNotFound, "inodestore.update")
	}
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE inodes SET kind = ?, mode = ?, uid = ?, gid = ?, size = ?,
			atime = ?, mtime = ?, ctime = ?, nlink = ?, remote_ref = ?,
			parent_id = ?, name_in_parent = ?, symlink_target = ?,
			version = ?, dirty = ?, last_sync = ?
		WHERE id = ? AND version = ?`,
		int(in.Kind), uint32(in.Mode), in.Uid, in.Gid, in.Size,
		in.Atime.UnixNano(), in.Mtime.UnixNano(), in.Ctime.UnixNano(),
		in.Nlink, in.RemoteRef, int64(in.ParentID), in.NameInParent,
		in.SymlinkTarget, in.Version, int(in.Dirty), in.LastSyncTs.UnixNano(),
		int64(in.ID), expected)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// The row exists (read above), so the version must have moved.
		return fserr.New(fserr.KindStale, "inodestore.update")
	}

	// Move the directory entry only when the name actually changed.
	if in.ParentID != 0 &&
		(ID(curParent) != in.ParentID || curName != in.NameInParent) {
		_, err = tx.ExecContext(ctx, `DELETE FROM dirents WHERE child_id = ?`, int64(in.ID))
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO dirents (parent_id, name, child_id) VALUES (?, ?, ?)`,
			int64(in.ParentID), in.NameInParent, int64(in.ID))
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *sqlStore) Delete(ctx context.Context, id ID) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err = tx.ExecContext(ctx, `DELETE FROM dirents WHERE child_id = ?`, int64(id)); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM inodes WHERE id = ?`, int64(id))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fserr.New(fserr.KindNotFound, "inodestore.delete")
	}

	return tx.Commit()
}

func (s *sqlStore) RemoveEntry(ctx context.Context, parentID ID, name string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dirents WHERE parent_id = ? AND name = ?`,
		int64(parentID), name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fserr.New(fserr.KindNotFound, "inodestore.remove_entry")
	}
	return nil
}

func (s *sqlStore) ListChildren(
	ctx context.Context,
	parentID ID) (entries []DirEntry, err error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.parent_id, d.name, d.child_id, i.kind
		FROM dirents d JOIN inodes i ON i.id = d.child_id
		WHERE d.parent_id = ?
		ORDER BY d.name`, int64(parentID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var e DirEntry
		var parent, child int64
		var kind int
		if err = rows.Scan(&parent, &e.Name, &child, &kind); err != nil {
			return nil, err
		}
		e.ParentID = ID(parent)
		e.ChildID = ID(child)
		e.Kind = Kind(kind)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

func (s *sqlStore) ReplaceChildren(
	ctx context.Context,
	parentID ID,
	entries []DirEntry) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err = tx.ExecContext(ctx,
		`DELETE FROM dirents WHERE parent_id = ?`, int64(parentID)); err != nil {
		return err
	}

	for _, e := range entries {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO dirents (parent_id, name, child_id) VALUES (?, ?, ?)`,
			int64(parentID), e.Name, int64(e.ChildID)); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *sqlStore) Rename(
	ctx context.Context,
	oldParent ID, oldName string,
	newParent ID, newName string) (replaced ID, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var child int64
	err = tx.QueryRowContext(ctx,
		`SELECT child_id FROM dirents WHERE parent_id = ? AND name = ?`,
		int64(oldParent), oldName).Scan(&child)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fserr.New(fserr.KindNotFound, "inodestore.rename")
	}
	if err != nil {
		return 0, err
	}

	var existing int64
	err = tx.QueryRowContext(ctx,
		`SELECT child_id FROM dirents WHERE parent_id = ? AND name = ?`,
		int64(newParent), newName).Scan(&existing)
	switch {
	case err == nil:
		replaced = ID(existing)
		if _, err = tx.ExecContext(ctx,
			`DELETE FROM dirents WHERE parent_id = ? AND name = ?`,
			int64(newParent), newName); err != nil {
			return 0, err
		}
	case !errors.Is(err, sql.ErrNoRows):
		return 0, err
	}

	if _, err = tx.ExecContext(ctx,
		`DELETE FROM dirents WHERE parent_id = ? AND name = ?`,
		int64(oldParent), oldName); err != nil {
		return 0, err
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO dirents (parent_id, name, child_id) VALUES (?, ?, ?)`,
		int64(newParent), newName, child); err != nil {
		return 0, err
	}

	// The moved inode's own row follows, version-bumped.
	if _, err = tx.ExecContext(ctx, `
		UPDATE inodes SET parent_id = ?, name_in_parent = ?, version = version + 1
		WHERE id = ?`,
		int64(newParent), newName, child); err != nil {
		return 0, err
	}

	return replaced, tx.Commit()
}

func (s *sqlStore) NextDirty(
	ctx context.Context,
	limit int) (dirty []*Inode, err error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+inodeColumns+` FROM inodes
		WHERE dirty != 0 ORDER BY mtime ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		in, err := scanInodeRows(rows)
		if err != nil {
			return nil, err
		}
		dirty = append(dirty, in)
	}

	return dirty, rows.Err()
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInode(row *sql.Row) (*Inode, error) {
	in, err := scanFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fserr.New(fserr.KindNotFound, "inodestore.get")
	}
	return in, err
}

func scanInodeRows(rows *sql.Rows) (*Inode, error) {
	return scanFrom(rows)
}

func scanFrom(r rowScanner) (*Inode, error) {
	var in Inode
	var id, parent int64
	var kind, dirty int
	var mode uint32
	var atime, mtime, ctime, lastSync int64

	err := r.Scan(&id, &kind, &mode, &in.Uid, &in.Gid, &in.Size,
		&atime, &mtime, &ctime, &in.Nlink, &in.RemoteRef, &parent,
		&in.NameInParent, &in.SymlinkTarget, &in.Version, &dirty, &lastSync)
	if err != nil {
		return nil, err
	}

	in.ID = ID(id)
	in.Kind = Kind(kind)
	in.Mode = os.FileMode(mode)
	in.ParentID = ID(parent)
	in.Dirty = DirtyMask(dirty)
	in.Atime = time.Unix(0, atime)
	in.Mtime = time.Unix(0, mtime)
	in.Ctime = time.Unix(0, ctime)
	in.LastSyncTs = time.Unix(0, lastSync)

	return &in, nil
}
