package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
	"unicode/utf16"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"
)

// maxTableValue is the Table service limit for a single string property,
// in bytes of its UTF-16 encoding.
const maxTableValue = 64 * 1024

// ErrValueTooLarge is returned when a value does not fit in one entity property.
var ErrValueTooLarge = errors.New("value exceeds table property limit")

// Tables stores each key as one entity in an Azure Storage table.
type Tables struct {
	client    *aztables.Client
	partition string
}

type valueEntity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
	Value        string `json:"Value"`
}

// NewTables connects to table using an account connection string.
// All keys share one partition.
func NewTables(connStr, table, partition string) (*Tables, error) {
	if connStr == "" || table == "" {
		return nil, errors.New("tables storage requires connection string and table name")
	}
	if partition == "" {
		partition = "device"
	}
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    30 * time.Second,
				RetryDelay:    time.Second,
				MaxRetryDelay: 15 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, fmt.Errorf("table service: %w", err)
	}
	return &Tables{client: svc.NewClient(table), partition: partition}, nil
}

// EnsureTable creates the table when it does not exist yet.
func (t *Tables) EnsureTable(ctx context.Context) error {
	_, err := t.client.CreateTable(ctx, nil)
	if err != nil && !isTableExists(err) {
		return err
	}
	return nil
}

func (t *Tables) Get(ctx context.Context, key string) (string, bool, error) {
	resp, err := t.client.GetEntity(ctx, t.partition, rowKey(key), nil)
	if err != nil {
		if isNotFound(err) {
			return "", false, nil
		}
		return "", false, err
	}
	value, err := decodeValueEntity(resp.Value)
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (t *Tables) Set(ctx context.Context, key, value string) error {
	payload, err := encodeValueEntity(t.partition, rowKey(key), value)
	if err != nil {
		return err
	}
	_, err = t.client.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	return err
}

func (t *Tables) Remove(ctx context.Context, key string) error {
	_, err := t.client.DeleteEntity(ctx, t.partition, rowKey(key), nil)
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

// rowKey escapes characters the Table service rejects in keys (/ \ # ?).
func rowKey(key string) string {
	return url.PathEscape(key)
}

func encodeValueEntity(pk, rk, value string) ([]byte, error) {
	if n := utf16Size(value); n > maxTableValue {
		return nil, fmt.Errorf("%w: %d bytes as UTF-16", ErrValueTooLarge, n)
	}
	return sonic.Marshal(valueEntity{PartitionKey: pk, RowKey: rk, Value: value})
}

func utf16Size(s string) int {
	n := 0
	for _, r := range s {
		n += 2 * utf16.RuneLen(r)
	}
	return n
}

func decodeValueEntity(data []byte) (string, error) {
	var ent valueEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return "", fmt.Errorf("decode table entity: %w", err)
	}
	return ent.Value, nil
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

func isTableExists(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)
}
