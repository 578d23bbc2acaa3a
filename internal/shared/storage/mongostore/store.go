// Package mongostore 基于 MongoDB 的审计与部署历史存储
//
// 使用 mongo-go-driver v2，通过 bson tag 实现 model 结构体的序列化/反序列化。
// 作为 SQL 存储之外的集中审计汇聚点：多台编排机可写入同一个审计库。
// 所有 Collection 名称和索引在 ensureIndexes 中统一管理。
package mongostore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Collection 名称常量
const (
	ColAuditEvents = "audit_events"
	ColDeployments = "deployments"
)

// Store 实现 storage.AuditStore 与 storage.DeploymentStore 的 MongoDB 驱动
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewStore 创建 MongoDB 存储实例
//
// uri: MongoDB 连接 URI，如 "mongodb://localhost:27017"
// dbName: 数据库名称，如 "uci_fleet"
func NewStore(uri, dbName string) (*Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect failed: %w", err)
	}

	// 验证连接
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongostore: ping failed: %w", err)
	}

	s := &Store{client: client, db: client.Database(dbName)}
	if err := s.ensureIndexes(ctx); err != nil {
		slog.Warn("mongostore: ensure indexes failed", "error", err)
	}
	return s, nil
}

// Close 关闭 MongoDB 连接
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// col 获取指定 Collection
func (s *Store) col(name string) *mongo.Collection {
	return s.db.Collection(name)
}

// ensureIndexes 创建所有必要的索引
func (s *Store) ensureIndexes(ctx context.Context) error {
	type idx struct {
		col  string
		keys bson.D
	}

	indexes := []idx{
		{ColAuditEvents, bson.D{{Key: "kind", Value: 1}, {Key: "timestamp", Value: 1}}},
		{ColAuditEvents, bson.D{{Key: "device_id", Value: 1}}},
		{ColDeployments, bson.D{{Key: "created_at", Value: -1}}},
		{ColDeployments, bson.D{{Key: "phase", Value: 1}}},
	}

	for _, ix := range indexes {
		model := mongo.IndexModel{Keys: ix.keys}
		if _, err := s.col(ix.col).Indexes().CreateOne(ctx, model); err != nil {
			return fmt.Errorf("index %s %v: %w", ix.col, ix.keys, err)
		}
	}
	return nil
}
