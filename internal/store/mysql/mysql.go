// Package mysql is the production adapter.Adapter backend, built on
// jmoiron/sqlx and go-sql-driver/mysql the way the teacher's go.mod
// pins them (tinode/chat's MySQL backend is not shipped in this
// retrieval pack, so the schema and query shapes below are authored
// fresh against the same driver/library pairing rather than ported).
package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/go-sql-driver/mysql"

	"github.com/tideline-chat/core/internal/store"
	t "github.com/tideline-chat/core/internal/store/types"
)

// Adapter is a MySQL-backed implementation of adapter.Adapter.
type Adapter struct {
	db *sqlx.DB
}

// New returns an unopened Adapter.
func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Open(dsn string) error {
	if a.db != nil {
		return errors.New("mysql: already open")
	}
	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		return err
	}
	db.SetMaxOpenConns(64)
	db.SetMaxIdleConns(16)
	db.SetConnMaxLifetime(time.Hour)
	if err := db.Ping(); err != nil {
		db.Close()
		return err
	}
	a.db = db
	return nil
}

func (a *Adapter) Close() error {
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}

func (a *Adapter) IsOpen() bool { return a.db != nil }

func wrapNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func isDuplicateKey(err error) bool {
	// go-sql-driver/mysql reports duplicate-key violations as error 1062.
	return err != nil && fmt.Sprint(err) != "" && (errContains(err, "Error 1062") || errContains(err, "Duplicate entry"))
}

func errContains(err error, sub string) bool {
	return err != nil && len(sub) > 0 && (len(err.Error()) >= len(sub)) && (indexOf(err.Error(), sub) >= 0)
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func (a *Adapter) UserCreate(ctx context.Context, u *t.User) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO users(id, username, display_name, password_verifier, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uint64(u.Id), u.Username, u.DisplayName, u.PasswordVerifier, u.CreatedAt, u.UpdatedAt)
	if isDuplicateKey(err) {
		return store.ErrConflict
	}
	return err
}

type userRow struct {
	Id               uint64    `db:"id"`
	Username         string    `db:"username"`
	DisplayName      string    `db:"display_name"`
	PasswordVerifier string    `db:"password_verifier"`
	Verified         bool      `db:"verified"`
	Suspended        bool      `db:"suspended"`
	SuspensionReason string    `db:"suspension_reason"`
	Deleted          bool      `db:"deleted"`
	Online           bool      `db:"online"`
	LastSeen         time.Time `db:"last_seen"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

func (r userRow) toUser() *t.User {
	u := &t.User{
		Id:               t.Uid(r.Id),
		Username:         r.Username,
		DisplayName:      r.DisplayName,
		PasswordVerifier: r.PasswordVerifier,
		Verified:         r.Verified,
		Suspended:        r.Suspended,
		SuspensionReason: r.SuspensionReason,
		Deleted:          r.Deleted,
		Online:           r.Online,
		LastSeen:         r.LastSeen,
	}
	u.CreatedAt, u.UpdatedAt = r.CreatedAt, r.UpdatedAt
	return u
}

func (a *Adapter) UserGetByID(ctx context.Context, id t.Uid) (*t.User, error) {
	var r userRow
	err := a.db.GetContext(ctx, &r, `SELECT * FROM users WHERE id = ?`, uint64(id))
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return r.toUser(), nil
}

func (a *Adapter) UserGetByName(ctx context.Context, username string) (*t.User, error) {
	var r userRow
	err := a.db.GetContext(ctx, &r, `SELECT * FROM users WHERE username = ?`, username)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return r.toUser(), nil
}

func (a *Adapter) UserGetAll(ctx context.Context, ids ...t.Uid) ([]t.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	raw := make([]uint64, len(ids))
	for i, id := range ids {
		raw[i] = uint64(id)
	}
	query, args, err := sqlx.In(`SELECT * FROM users WHERE id IN (?)`, raw)
	if err != nil {
		return nil, err
	}
	var rows []userRow
	if err := a.db.SelectContext(ctx, &rows, a.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	out := make([]t.User, len(rows))
	for i, r := range rows {
		out[i] = *r.toUser()
	}
	return out, nil
}

func (a *Adapter) UserUpdate(ctx context.Context, id t.Uid, update map[string]interface{}) error {
	if len(update) == 0 {
		return nil
	}
	set := ""
	args := make([]interface{}, 0, len(update)+1)
	for col, val := range update {
		if set != "" {
			set += ", "
		}
		set += col + " = ?"
		args = append(args, val)
	}
	args = append(args, uint64(id))
	res, err := a.db.ExecContext(ctx, `UPDATE users SET `+set+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (a *Adapter) UserCount(ctx context.Context) (int, error) {
	var n int
	err := a.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM users`)
	return n, err
}

func (a *Adapter) SessionCreate(ctx context.Context, s *t.DeviceSession) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, user_id, device, os, browser, model, last_seen, revoked, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		s.SessionID, uint64(s.UserID), s.Device, s.OS, s.Browser, s.Model, s.LastSeen, s.CreatedAt, s.UpdatedAt)
	if isDuplicateKey(err) {
		return store.ErrConflict
	}
	return err
}

type sessionRow struct {
	SessionID string    `db:"session_id"`
	UserID    uint64    `db:"user_id"`
	Device    string    `db:"device"`
	OS        string    `db:"os"`
	Browser   string    `db:"browser"`
	Model     string    `db:"model"`
	LastSeen  time.Time `db:"last_seen"`
	Revoked   bool      `db:"revoked"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r sessionRow) toSession() *t.DeviceSession {
	d := &t.DeviceSession{
		SessionID: r.SessionID,
		UserID:    t.Uid(r.UserID),
		Device:    r.Device,
		OS:        r.OS,
		Browser:   r.Browser,
		Model:     r.Model,
		LastSeen:  r.LastSeen,
		Revoked:   r.Revoked,
	}
	d.CreatedAt, d.UpdatedAt = r.CreatedAt, r.UpdatedAt
	return d
}

func (a *Adapter) SessionGet(ctx context.Context, sessionID string) (*t.DeviceSession, error) {
	var r sessionRow
	err := a.db.GetContext(ctx, &r, `SELECT * FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return r.toSession(), nil
}

func (a *Adapter) SessionTouch(ctx context.Context, sessionID string, now time.Time) error {
	res, err := a.db.ExecContext(ctx, `UPDATE sessions SET last_seen = ?, updated_at = ? WHERE session_id = ?`, now, now, sessionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (a *Adapter) SessionRevoke(ctx context.Context, sessionID string) error {
	res, err := a.db.ExecContext(ctx, `UPDATE sessions SET revoked = 1 WHERE session_id = ?`, sessionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (a *Adapter) SessionRevokeOthers(ctx context.Context, userID t.Uid, keepSessionID string) (int, error) {
	res, err := a.db.ExecContext(ctx,
		`UPDATE sessions SET revoked = 1 WHERE user_id = ? AND session_id != ? AND revoked = 0`,
		uint64(userID), keepSessionID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type messageRow struct {
	ID          uint64        `db:"id"`
	AuthorID    uint64        `db:"author_id"`
	Content     string        `db:"content"`
	Timestamp   time.Time     `db:"timestamp"`
	ReplyToID   sql.NullInt64 `db:"reply_to_id"`
	Attachments []byte        `db:"attachments"`
	IsEdited    bool          `db:"is_edited"`
	Deleted     bool          `db:"deleted"`
	CreatedAt   time.Time     `db:"created_at"`
	UpdatedAt   time.Time     `db:"updated_at"`
}

func (r messageRow) toMessage() (*t.PublicMessage, error) {
	var attachments []t.FileRef
	if len(r.Attachments) > 0 {
		if err := json.Unmarshal(r.Attachments, &attachments); err != nil {
			return nil, err
		}
	}
	m := &t.PublicMessage{
		ID:          r.ID,
		AuthorID:    t.Uid(r.AuthorID),
		Content:     r.Content,
		Timestamp:   r.Timestamp,
		IsEdited:    r.IsEdited,
		Deleted:     r.Deleted,
		Attachments: attachments,
	}
	if r.ReplyToID.Valid {
		m.ReplyToID = uint64(r.ReplyToID.Int64)
	}
	m.CreatedAt, m.UpdatedAt = r.CreatedAt, r.UpdatedAt
	return m, nil
}

func (a *Adapter) MessageInsert(ctx context.Context, m *t.PublicMessage) error {
	attach, err := json.Marshal(m.Attachments)
	if err != nil {
		return err
	}
	var replyTo interface{}
	if m.ReplyToID != 0 {
		replyTo = m.ReplyToID
	}
	_, err = a.db.ExecContext(ctx,
		`INSERT INTO public_messages(id, author_id, content, timestamp, reply_to_id, attachments, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, uint64(m.AuthorID), m.Content, m.Timestamp, replyTo, attach, m.CreatedAt, m.UpdatedAt)
	return err
}

func (a *Adapter) MessageGet(ctx context.Context, id uint64) (*t.PublicMessage, error) {
	var r messageRow
	err := a.db.GetContext(ctx, &r, `SELECT * FROM public_messages WHERE id = ? AND deleted = 0`, id)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return r.toMessage()
}

func (a *Adapter) MessageGetRange(ctx context.Context, sinceID uint64, limit int) ([]t.PublicMessage, error) {
	var rows []messageRow
	err := a.db.SelectContext(ctx, &rows,
		`SELECT * FROM public_messages WHERE id > ? AND deleted = 0 ORDER BY id ASC LIMIT ?`, sinceID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]t.PublicMessage, len(rows))
	for i, r := range rows {
		m, err := r.toMessage()
		if err != nil {
			return nil, err
		}
		out[i] = *m
	}
	return out, nil
}

func (a *Adapter) MessageUpdateContent(ctx context.Context, id uint64, content string, now time.Time) error {
	res, err := a.db.ExecContext(ctx,
		`UPDATE public_messages SET content = ?, is_edited = 1, updated_at = ? WHERE id = ?`, content, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (a *Adapter) MessageSoftDelete(ctx context.Context, id uint64) error {
	res, err := a.db.ExecContext(ctx, `UPDATE public_messages SET deleted = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (a *Adapter) MessageDeleteByIDs(ctx context.Context, ids []uint64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(`UPDATE public_messages SET deleted = 1 WHERE id IN (?)`, ids)
	if err != nil {
		return 0, err
	}
	res, err := a.db.ExecContext(ctx, a.db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type dmRow struct {
	ID          uint64        `db:"id"`
	SenderID    uint64        `db:"sender_id"`
	RecipientID uint64        `db:"recipient_id"`
	IV          string        `db:"iv"`
	Ciphertext  string        `db:"ciphertext"`
	Salt        string        `db:"salt"`
	IV2         string        `db:"iv2"`
	WrappedMK   string        `db:"wrapped_mk"`
	Timestamp   time.Time     `db:"timestamp"`
	ReplyToID   sql.NullInt64 `db:"reply_to_id"`
	Attachments []byte        `db:"attachments"`
	Deleted     bool          `db:"deleted"`
	CreatedAt   time.Time     `db:"created_at"`
	UpdatedAt   time.Time     `db:"updated_at"`
}

func (r dmRow) toEnvelope() (*t.DMEnvelope, error) {
	var attachments []t.FileRef
	if len(r.Attachments) > 0 {
		if err := json.Unmarshal(r.Attachments, &attachments); err != nil {
			return nil, err
		}
	}
	d := &t.DMEnvelope{
		ID:          r.ID,
		SenderID:    t.Uid(r.SenderID),
		RecipientID: t.Uid(r.RecipientID),
		IV:          r.IV,
		Ciphertext:  r.Ciphertext,
		Salt:        r.Salt,
		IV2:         r.IV2,
		WrappedMK:   r.WrappedMK,
		Timestamp:   r.Timestamp,
		Deleted:     r.Deleted,
		Attachments: attachments,
	}
	if r.ReplyToID.Valid {
		d.ReplyToID = uint64(r.ReplyToID.Int64)
	}
	d.CreatedAt, d.UpdatedAt = r.CreatedAt, r.UpdatedAt
	return d, nil
}

func (a *Adapter) DMInsert(ctx context.Context, d *t.DMEnvelope) error {
	attach, err := json.Marshal(d.Attachments)
	if err != nil {
		return err
	}
	var replyTo interface{}
	if d.ReplyToID != 0 {
		replyTo = d.ReplyToID
	}
	_, err = a.db.ExecContext(ctx,
		`INSERT INTO dm_envelopes(id, sender_id, recipient_id, iv, ciphertext, salt, iv2, wrapped_mk, timestamp, reply_to_id, attachments, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, uint64(d.SenderID), uint64(d.RecipientID), d.IV, d.Ciphertext, d.Salt, d.IV2, d.WrappedMK, d.Timestamp, replyTo, attach, d.CreatedAt, d.UpdatedAt)
	return err
}

func (a *Adapter) DMGet(ctx context.Context, id uint64) (*t.DMEnvelope, error) {
	var r dmRow
	err := a.db.GetContext(ctx, &r, `SELECT * FROM dm_envelopes WHERE id = ? AND deleted = 0`, id)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return r.toEnvelope()
}

func (a *Adapter) DMUpdateCiphertext(ctx context.Context, id uint64, iv, ciphertext, salt, iv2, wrappedMK string, now time.Time) error {
	res, err := a.db.ExecContext(ctx,
		`UPDATE dm_envelopes SET iv = ?, ciphertext = ?, salt = ?, iv2 = ?, wrapped_mk = ?, updated_at = ? WHERE id = ?`,
		iv, ciphertext, salt, iv2, wrappedMK, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (a *Adapter) DMSoftDelete(ctx context.Context, id uint64) error {
	res, err := a.db.ExecContext(ctx, `UPDATE dm_envelopes SET deleted = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (a *Adapter) ReactionToggle(ctx context.Context, messageID uint64, userID t.Uid, emoji string) (bool, error) {
	res, err := a.db.ExecContext(ctx,
		`DELETE FROM reactions WHERE message_id = ? AND user_id = ? AND emoji = ?`, messageID, uint64(userID), emoji)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return false, nil
	}
	_, err = a.db.ExecContext(ctx,
		`INSERT INTO reactions(message_id, user_id, emoji) VALUES (?, ?, ?)`, messageID, uint64(userID), emoji)
	if err != nil {
		return false, err
	}
	return true, nil
}

func (a *Adapter) ReactionsFor(ctx context.Context, messageID uint64) ([]t.Reaction, error) {
	var rows []struct {
		MessageID uint64 `db:"message_id"`
		UserID    uint64 `db:"user_id"`
		Emoji     string `db:"emoji"`
	}
	err := a.db.SelectContext(ctx, &rows, `SELECT * FROM reactions WHERE message_id = ?`, messageID)
	if err != nil {
		return nil, err
	}
	out := make([]t.Reaction, len(rows))
	for i, r := range rows {
		out[i] = t.Reaction{MessageID: r.MessageID, UserID: t.Uid(r.UserID), Emoji: r.Emoji}
	}
	return out, nil
}

func (a *Adapter) DMReactionToggle(ctx context.Context, envelopeID uint64, userID t.Uid, emoji string) (bool, error) {
	res, err := a.db.ExecContext(ctx,
		`DELETE FROM dm_reactions WHERE envelope_id = ? AND user_id = ? AND emoji = ?`, envelopeID, uint64(userID), emoji)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return false, nil
	}
	_, err = a.db.ExecContext(ctx,
		`INSERT INTO dm_reactions(envelope_id, user_id, emoji) VALUES (?, ?, ?)`, envelopeID, uint64(userID), emoji)
	if err != nil {
		return false, err
	}
	return true, nil
}

func (a *Adapter) DMReactionsFor(ctx context.Context, envelopeID uint64) ([]t.DMReaction, error) {
	var rows []struct {
		EnvelopeID uint64 `db:"envelope_id"`
		UserID     uint64 `db:"user_id"`
		Emoji      string `db:"emoji"`
	}
	err := a.db.SelectContext(ctx, &rows, `SELECT * FROM dm_reactions WHERE envelope_id = ?`, envelopeID)
	if err != nil {
		return nil, err
	}
	out := make([]t.DMReaction, len(rows))
	for i, r := range rows {
		out[i] = t.DMReaction{EnvelopeID: r.EnvelopeID, UserID: t.Uid(r.UserID), Emoji: r.Emoji}
	}
	return out, nil
}

func (a *Adapter) UpdateLogAppend(ctx context.Context, e *t.UpdateLogEntry) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO update_log(user_id, sequence, updates, timestamp) VALUES (?, ?, ?, ?)`,
		uint64(e.UserID), e.Sequence, e.Updates, e.Timestamp)
	if isDuplicateKey(err) {
		return store.ErrConflict
	}
	return err
}

func (a *Adapter) UpdateLogFetch(ctx context.Context, userID t.Uid, fromSeqExclusive, toSeqInclusive uint64) ([]t.UpdateLogEntry, error) {
	var rows []struct {
		UserID    uint64    `db:"user_id"`
		Sequence  uint64    `db:"sequence"`
		Updates   []byte    `db:"updates"`
		Timestamp time.Time `db:"timestamp"`
	}
	err := a.db.SelectContext(ctx, &rows,
		`SELECT * FROM update_log WHERE user_id = ? AND sequence > ? AND sequence <= ? ORDER BY sequence ASC`,
		uint64(userID), fromSeqExclusive, toSeqInclusive)
	if err != nil {
		return nil, err
	}
	out := make([]t.UpdateLogEntry, len(rows))
	for i, r := range rows {
		out[i] = t.UpdateLogEntry{UserID: t.Uid(r.UserID), Sequence: r.Sequence, Updates: r.Updates, Timestamp: r.Timestamp}
	}
	return out, nil
}

func (a *Adapter) UpdateLogMaxSeq(ctx context.Context, userID t.Uid) (uint64, error) {
	var max sql.NullInt64
	err := a.db.GetContext(ctx, &max, `SELECT MAX(sequence) FROM update_log WHERE user_id = ?`, uint64(userID))
	if err != nil {
		return 0, err
	}
	if !max.Valid {
		return 0, nil
	}
	return uint64(max.Int64), nil
}

func (a *Adapter) UpdateLogMaxSeqAll(ctx context.Context) (map[t.Uid]uint64, error) {
	var rows []struct {
		UserID uint64 `db:"user_id"`
		Max    uint64 `db:"max_seq"`
	}
	err := a.db.SelectContext(ctx, &rows, `SELECT user_id, MAX(sequence) AS max_seq FROM update_log GROUP BY user_id`)
	if err != nil {
		return nil, err
	}
	out := make(map[t.Uid]uint64, len(rows))
	for _, r := range rows {
		out[t.Uid(r.UserID)] = r.Max
	}
	return out, nil
}

func (a *Adapter) UpdateLogPrune(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := a.db.ExecContext(ctx, `DELETE FROM update_log WHERE timestamp < ?`, olderThan)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (a *Adapter) BlocklistLoad(ctx context.Context) ([]string, error) {
	var phrases []string
	err := a.db.SelectContext(ctx, &phrases, `SELECT phrase FROM blocklist ORDER BY phrase ASC`)
	return phrases, err
}

func (a *Adapter) BlocklistSave(ctx context.Context, phrases []string) error {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM blocklist`); err != nil {
		return err
	}
	for _, p := range phrases {
		if _, err := tx.ExecContext(ctx, `INSERT INTO blocklist(phrase) VALUES (?)`, p); err != nil {
			return err
		}
	}
	return tx.Commit()
}
