// Package dynamodb 提供基于 DynamoDB 单表的账户存储。
package dynamodb

import (
	"context"
	stdErrors "errors"
	"strconv"
	"strings"
	"time"

	"EffiSend-Agent/internal/account"
	xerrors "EffiSend-Agent/internal/errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	ddb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	pkPrefix     = "USER#"
	skAccount    = "ACCOUNT"
	putCondition = "attribute_not_exists(PK)"
)

// dynamodbAPI 是账户存储所需的最小 DynamoDB 接口，便于测试替换。
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *ddb.GetItemInput, optFns ...func(*ddb.Options)) (*ddb.GetItemOutput, error)
	PutItem(ctx context.Context, in *ddb.PutItemInput, optFns ...func(*ddb.Options)) (*ddb.PutItemOutput, error)
}

// AccountStore 以 PK=USER#<id>、SK=ACCOUNT 保存账户记录。
type AccountStore struct {
	api       dynamodbAPI
	tableName string
}

// NewAccountStore 创建 DynamoDB 账户存储。
func NewAccountStore(api dynamodbAPI, tableName string) (*AccountStore, error) {
	if api == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "DynamoDB 客户端不能为空")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "DynamoDB 表名不能为空")
	}
	return &AccountStore{api: api, tableName: tableName}, nil
}

func userPK(userID string) string {
	return pkPrefix + userID
}

func (s *AccountStore) key(userID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: userPK(userID)},
		"SK": &types.AttributeValueMemberS{Value: skAccount},
	}
}

// Get 以强一致读取账户，不存在时返回 account.ErrNotFound。
func (s *AccountStore) Get(ctx context.Context, userID string) (*account.Record, error) {
	out, err := s.api.GetItem(ctx, &ddb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.key(userID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取账户失败")
	}
	if out == nil || len(out.Item) == 0 {
		return nil, account.ErrNotFound
	}
	rec, err := itemToRecord(out.Item)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析账户记录失败")
	}
	return rec, nil
}

// CreateIfAbsent 使用条件写保证同一用户只落库一次；条件失败时返回已有记录。
func (s *AccountStore) CreateIfAbsent(ctx context.Context, rec account.Record) (*account.Record, bool, error) {
	if strings.TrimSpace(rec.UserID) == "" {
		return nil, false, xerrors.New(xerrors.CodeInvalidArgument, "用户 ID 不能为空")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.api.PutItem(ctx, &ddb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                recordItem(rec),
		ConditionExpression: aws.String(putCondition),
	})
	if err == nil {
		stored := rec
		return &stored, true, nil
	}
	var conditionFailed *types.ConditionalCheckFailedException
	if !stdErrors.As(err, &conditionFailed) {
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入账户失败")
	}
	existing, getErr := s.Get(ctx, rec.UserID)
	if getErr != nil {
		return nil, false, getErr
	}
	return existing, false, nil
}

func recordItem(rec account.Record) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: userPK(rec.UserID)},
		"SK":         &types.AttributeValueMemberS{Value: skAccount},
		"user":       &types.AttributeValueMemberS{Value: rec.UserID},
		"address":    &types.AttributeValueMemberS{Value: rec.Address},
		"clabe":      &types.AttributeValueMemberS{Value: rec.CLABE},
		"rclabe":     &types.AttributeValueMemberS{Value: rec.RCLABE},
		"sealed_key": &types.AttributeValueMemberS{Value: rec.SealedKey},
		"created_at": &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.CreatedAt.UnixMilli(), 10)},
	}
}

func itemToRecord(item map[string]types.AttributeValue) (*account.Record, error) {
	var rec account.Record
	fields := []struct {
		name string
		dst  *string
	}{
		{"user", &rec.UserID},
		{"address", &rec.Address},
		{"clabe", &rec.CLABE},
		{"rclabe", &rec.RCLABE},
		{"sealed_key", &rec.SealedKey},
	}
	for _, f := range fields {
		v, err := strAttr(item, f.name)
		if err != nil {
			return nil, err
		}
		*f.dst = v
	}
	if n, ok := item["created_at"].(*types.AttributeValueMemberN); ok {
		millis, err := strconv.ParseInt(n.Value, 10, 64)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "created_at 不是合法数字")
		}
		rec.CreatedAt = time.UnixMilli(millis).UTC()
	}
	return &rec, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", xerrors.Newf(xerrors.CodeStorageFailure, "缺少属性 %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", xerrors.Newf(xerrors.CodeStorageFailure, "属性 %q 不是字符串", key)
	}
	return s.Value, nil
}

var _ account.Store = (*AccountStore)(nil)
