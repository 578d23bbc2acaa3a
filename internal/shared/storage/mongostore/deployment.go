package mongostore

import (
	"context"
	"errors"
	"fmt"

	"uci-fleet/internal/shared/model"
	"uci-fleet/internal/shared/storagetypes"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// SaveDeployment 插入或替换部署记录
//
// 过滤条件排除终态文档：终态记录不匹配时 upsert 会以相同 _id 插入并触发
// 重复键错误，此时转换为 ErrConflict。
func (s *Store) SaveDeployment(ctx context.Context, d *model.Deployment) error {
	filter := bson.D{
		{Key: "_id", Value: d.ID},
		{Key: "phase", Value: bson.D{{Key: "$nin", Value: bson.A{
			string(model.PhaseCompleted), string(model.PhaseFailed),
		}}}},
	}
	_, err := s.col(ColDeployments).ReplaceOne(ctx, filter, d, options.Replace().SetUpsert(true))
	err = wrapError(err)
	if errors.Is(err, storagetypes.ErrDuplicate) {
		return fmt.Errorf("deployment %s is terminal: %w", d.ID, storagetypes.ErrConflict)
	}
	return err
}

// GetDeployment 获取部署记录
func (s *Store) GetDeployment(ctx context.Context, id string) (*model.Deployment, error) {
	return findOne[model.Deployment](ctx, s.col(ColDeployments), bson.D{{Key: "_id", Value: id}})
}

// ListDeployments 按创建时间倒序列出部署
func (s *Store) ListDeployments(ctx context.Context, limit int) ([]*model.Deployment, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(storagetypes.NormalizeLimit(limit)))
	return findMany[model.Deployment](ctx, s.col(ColDeployments), bson.D{}, opts)
}
