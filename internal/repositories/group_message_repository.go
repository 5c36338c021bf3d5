package repositories

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"crew-chat-service/internal/errs"
	"crew-chat-service/internal/models"
)

// ErrDuplicateSequence means a second message claimed an already used
// (group, sequence) pair.
var ErrDuplicateSequence = fmt.Errorf("%w: duplicate message sequence", errs.ErrSystemInvariantFault)

// GroupMessageRepository defines interactions for the per-group message log.
type GroupMessageRepository interface {
	AppendGroupMessage(ctx context.Context, msg models.Message) (models.Message, error)
	ListGroupMessagesSince(ctx context.Context, groupID, since int64, limit int) ([]models.Message, error)
	GroupSequenceBounds(ctx context.Context, groupID int64) (oldest, last int64, err error)
	TruncateGroupMessages(ctx context.Context, groupID, beforeSeq int64) error
	DeleteGroupMessages(ctx context.Context, groupID int64) error
}

// GroupMessageRepo is a sqlx-backed implementation.
type GroupMessageRepo struct {
	db *sqlx.DB
}

// NewGroupMessageRepo constructs a GroupMessageRepo.
func NewGroupMessageRepo(db *sqlx.DB) *GroupMessageRepo {
	return &GroupMessageRepo{db: db}
}

const messageColumns = `id, group_id, sender_id, content, seq, client_msg_id, created_at`

// AppendGroupMessage persists a message with the sequence already assigned by the writer.
func (r *GroupMessageRepo) AppendGroupMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	var stored models.Message
	err := r.db.GetContext(ctx, &stored,
		`INSERT INTO group_messages (id, group_id, sender_id, content, seq, client_msg_id, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING `+messageColumns,
		msg.ID, msg.GroupID, msg.SenderID, msg.Content, msg.Sequence, msg.ClientMsgID, msg.CreatedAt)
	if isUniqueViolation(err) {
		return models.Message{}, ErrDuplicateSequence
	}
	if isForeignKeyViolation(err) {
		return models.Message{}, ErrGroupNotFound
	}
	if err != nil {
		return models.Message{}, errs.Transient("append group message", err)
	}
	return stored, nil
}

// ListGroupMessagesSince returns up to limit messages with seq > since, in sequence order.
func (r *GroupMessageRepo) ListGroupMessagesSince(ctx context.Context, groupID, since int64, limit int) ([]models.Message, error) {
	msgs := []models.Message{}
	err := r.db.SelectContext(ctx, &msgs,
		`SELECT `+messageColumns+` FROM group_messages WHERE group_id=$1 AND seq > $2 ORDER BY seq ASC LIMIT $3`,
		groupID, since, limit)
	if err != nil {
		return nil, errs.Transient("list group messages", err)
	}
	return msgs, nil
}

// GroupSequenceBounds returns the oldest retained and the last committed sequence, 0 when empty.
func (r *GroupMessageRepo) GroupSequenceBounds(ctx context.Context, groupID int64) (int64, int64, error) {
	var bounds struct {
		Oldest int64 `db:"oldest"`
		Last   int64 `db:"last"`
	}
	err := r.db.GetContext(ctx, &bounds, `SELECT COALESCE(MIN(seq), 0) AS oldest, COALESCE(MAX(seq), 0) AS last FROM group_messages WHERE group_id=$1`, groupID)
	if err != nil {
		return 0, 0, errs.Transient("group sequence bounds", err)
	}
	return bounds.Oldest, bounds.Last, nil
}

// TruncateGroupMessages drops messages with seq < beforeSeq.
func (r *GroupMessageRepo) TruncateGroupMessages(ctx context.Context, groupID, beforeSeq int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM group_messages WHERE group_id=$1 AND seq < $2`, groupID, beforeSeq)
	return err
}

// DeleteGroupMessages hard deletes the whole log of a group.
func (r *GroupMessageRepo) DeleteGroupMessages(ctx context.Context, groupID int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM group_messages WHERE group_id=$1`, groupID)
	return err
}
