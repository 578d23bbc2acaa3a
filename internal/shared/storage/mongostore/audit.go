package mongostore

import (
	"context"

	"uci-fleet/internal/shared/model"
	"uci-fleet/internal/shared/storagetypes"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// AppendAudit 追加审计事件
func (s *Store) AppendAudit(ctx context.Context, event *model.AuditEvent) error {
	_, err := s.col(ColAuditEvents).InsertOne(ctx, event)
	return wrapError(err)
}

// ListAudit 按时间升序列出审计事件
func (s *Store) ListAudit(ctx context.Context, kind model.AuditKind, limit int) ([]*model.AuditEvent, error) {
	filter := bson.D{}
	if kind != "" {
		filter = bson.D{{Key: "kind", Value: string(kind)}}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(storagetypes.NormalizeLimit(limit)))
	return findMany[model.AuditEvent](ctx, s.col(ColAuditEvents), filter, opts)
}
