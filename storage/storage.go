package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"taskmaster/domain"
)

// maxTransactionActions is the entity group transaction limit of Azure Tables.
const maxTransactionActions = 100

const edmInt64 = "Edm.Int64"

// TableStore persists tasks in Azure Table Storage. The partition key is the
// task owner, so a Commit touching up to 100 entities is one entity group
// transaction. Larger commits are submitted in chunks of 100, each entity
// still guarded by its ETag; callers hold the bucket lock across the chunks.
type TableStore struct {
	taskTable *aztables.Client
	batches   transactionSubmitter
}

type transactionSubmitter interface {
	SubmitTransaction(ctx context.Context, actions []aztables.TransactionAction, opts *aztables.SubmitTransactionOptions) (aztables.TransactionResponse, error)
}

// NewTableStore creates a TableStore from the given connection string.
func NewTableStore(connStr, tasksTable string) (*TableStore, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	client := svc.NewClient(tasksTable)
	return &TableStore{taskTable: client, batches: client}, nil
}

type taskEntity struct {
	PartitionKey  string `json:"PartitionKey"`
	RowKey        string `json:"RowKey"`
	ETag          string `json:"odata.etag,omitempty"`
	Category      string `json:"Category"`
	Order         int    `json:"Order"`
	CreatedAt     int64  `json:"CreatedAt,string"`
	CreatedAtType string `json:"CreatedAt@odata.type"`
	Title         string `json:"Title"`
	Description   string `json:"Description"`
	Deadline      string `json:"Deadline"`
	Done          bool   `json:"Done"`
	Extra         string `json:"Extra,omitempty"`
}

type positionEntity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
	Category     string `json:"Category"`
	Order        int    `json:"Order"`
}

type fieldsEntity struct {
	PartitionKey string  `json:"PartitionKey"`
	RowKey       string  `json:"RowKey"`
	Title        *string `json:"Title,omitempty"`
	Description  *string `json:"Description,omitempty"`
	Deadline     *string `json:"Deadline,omitempty"`
	Done         *bool   `json:"Done,omitempty"`
	Extra        *string `json:"Extra,omitempty"`
}

func toEntity(owner string, t domain.Task) (taskEntity, error) {
	extra, err := encodeExtra(t.Extra)
	if err != nil {
		return taskEntity{}, err
	}
	return taskEntity{
		PartitionKey:  owner,
		RowKey:        t.ID,
		Category:      t.Category,
		Order:         t.Order,
		CreatedAt:     t.CreatedAt,
		CreatedAtType: edmInt64,
		Title:         t.Title,
		Description:   t.Description,
		Deadline:      t.Deadline,
		Done:          t.Done,
		Extra:         extra,
	}, nil
}

func decodeTaskEntity(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	extra, err := decodeExtra(ent.Extra)
	if err != nil {
		return domain.Task{}, fmt.Errorf("task %s extra fields: %w", ent.RowKey, err)
	}
	return domain.Task{
		ID:          ent.RowKey,
		Owner:       ent.PartitionKey,
		Category:    ent.Category,
		Order:       ent.Order,
		CreatedAt:   ent.CreatedAt,
		Title:       ent.Title,
		Description: ent.Description,
		Deadline:    ent.Deadline,
		Done:        ent.Done,
		Extra:       extra,
		Version:     ent.ETag,
	}, nil
}

// quote escapes a string literal for an OData filter.
func quote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

func (s *TableStore) list(ctx context.Context, filter string) ([]domain.Task, error) {
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, tableErr("list tasks", err)
		}
		for _, e := range resp.Entities {
			t, err := decodeTaskEntity(e)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

// GetTask looks a task up by row key across partitions.
func (s *TableStore) GetTask(ctx context.Context, id string) (domain.Task, error) {
	tasks, err := s.list(ctx, "RowKey eq "+quote(id))
	if err != nil {
		return domain.Task{}, err
	}
	if len(tasks) == 0 {
		return domain.Task{}, domain.ErrNotFound
	}
	return tasks[0], nil
}

func (s *TableStore) FindBucket(ctx context.Context, owner, category string) ([]domain.Task, error) {
	return s.list(ctx, "PartitionKey eq "+quote(owner)+" and Category eq "+quote(category))
}

func (s *TableStore) ListTasks(ctx context.Context, owner string) ([]domain.Task, error) {
	return s.list(ctx, "PartitionKey eq "+quote(owner))
}

func (s *TableStore) InsertTask(ctx context.Context, t domain.Task) (string, error) {
	ent, err := toEntity(t.Owner, t)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return "", err
	}
	if _, err := s.taskTable.AddEntity(ctx, payload, nil); err != nil {
		return "", tableErr("insert task", err)
	}
	return t.ID, nil
}

func (s *TableStore) UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error) {
	cur, err := s.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	fields := fieldsEntity{
		PartitionKey: cur.Owner,
		RowKey:       id,
		Title:        patch.Title,
		Description:  patch.Description,
		Deadline:     patch.Deadline,
		Done:         patch.Done,
	}
	et := azcore.ETagAny
	if len(patch.Extra) > 0 {
		// Extra is rewritten whole, so it must merge onto the version read.
		extra, err := encodeExtra(domain.MergeExtra(cur.Extra, patch.Extra))
		if err != nil {
			return domain.Task{}, err
		}
		fields.Extra = &extra
		et = azcore.ETag(cur.Version)
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return domain.Task{}, err
	}
	resp, err := s.taskTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	if err != nil {
		return domain.Task{}, tableErr("update task", err)
	}
	patch.Apply(&cur)
	cur.Version = string(resp.ETag)
	return cur, nil
}

func (s *TableStore) DeleteTask(ctx context.Context, id string) error {
	cur, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.taskTable.DeleteEntity(ctx, cur.Owner, id, nil); err != nil {
		return tableErr("delete task", err)
	}
	return nil
}

// Commit submits the writes in the owner's partition. Shift steps are
// expanded from a bucket read, each entity update guarded by the ETag that
// was read.
func (s *TableStore) Commit(ctx context.Context, owner string, writes []domain.Write) error {
	buckets := map[string][]domain.Task{}
	for _, w := range writes {
		if w.Kind != domain.WriteShift {
			continue
		}
		if _, ok := buckets[w.Category]; ok {
			continue
		}
		tasks, err := s.FindBucket(ctx, owner, w.Category)
		if err != nil {
			return err
		}
		buckets[w.Category] = tasks
	}
	return s.commitBuckets(ctx, owner, writes, buckets)
}

func (s *TableStore) commitBuckets(ctx context.Context, owner string, writes []domain.Write, buckets map[string][]domain.Task) error {
	actions, err := buildActions(owner, writes, buckets)
	if err != nil {
		return err
	}
	return submitChunked(ctx, s.batches, actions)
}

// submitChunked submits actions in transactions of at most
// maxTransactionActions. Shift merges come first, highest order first, so a
// failure between chunks leaves gaps in the bucket but never shared orders.
func submitChunked(ctx context.Context, tx transactionSubmitter, actions []aztables.TransactionAction) error {
	for start := 0; start < len(actions); start += maxTransactionActions {
		end := min(start+maxTransactionActions, len(actions))
		if _, err := tx.SubmitTransaction(ctx, actions[start:end], nil); err != nil {
			err = tableErr("submit transaction", err)
			if errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("%w: %v", domain.ErrConflict, err)
			}
			return err
		}
	}
	return nil
}

// buildActions folds writes into one action per entity, as a transaction may
// touch each entity only once.
func buildActions(owner string, writes []domain.Write, buckets map[string][]domain.Task) ([]aztables.TransactionAction, error) {
	type pending struct {
		insert  *taskEntity
		pos     *positionEntity
		version string
	}
	order := []string{}
	byID := map[string]*pending{}
	get := func(id string) *pending {
		p, ok := byID[id]
		if !ok {
			p = &pending{}
			byID[id] = p
			order = append(order, id)
		}
		return p
	}
	current := map[string]domain.Task{}
	for _, tasks := range buckets {
		for _, t := range tasks {
			current[t.ID] = t
		}
	}

	for _, w := range writes {
		switch w.Kind {
		case domain.WriteShift:
			for _, t := range byOrderDesc(buckets[w.Category]) {
				cur := current[t.ID]
				if cur.Category != w.Category || cur.Order < w.From {
					continue
				}
				cur.Order += w.Delta
				current[t.ID] = cur
				p := get(t.ID)
				if p.insert != nil {
					p.insert.Order = cur.Order
					continue
				}
				p.pos = &positionEntity{PartitionKey: owner, RowKey: t.ID, Category: cur.Category, Order: cur.Order}
				if p.version == "" {
					p.version = t.Version
				}
			}
		case domain.WriteInsert:
			if _, exists := byID[w.Task.ID]; exists {
				return nil, fmt.Errorf("%w: task %s written twice", domain.ErrConflict, w.Task.ID)
			}
			ent, err := toEntity(owner, w.Task)
			if err != nil {
				return nil, err
			}
			get(w.Task.ID).insert = &ent
		case domain.WriteSetPosition:
			p := get(w.ID)
			if p.insert != nil {
				p.insert.Category = w.Category
				p.insert.Order = w.Order
				continue
			}
			p.pos = &positionEntity{PartitionKey: owner, RowKey: w.ID, Category: w.Category, Order: w.Order}
			if w.Version != "" {
				p.version = w.Version
			}
		default:
			return nil, fmt.Errorf("%w: unknown write kind %d", domain.ErrInvalidArgument, w.Kind)
		}
	}

	actions := make([]aztables.TransactionAction, 0, len(order))
	for _, id := range order {
		p := byID[id]
		if p.insert != nil {
			payload, err := json.Marshal(p.insert)
			if err != nil {
				return nil, err
			}
			actions = append(actions, aztables.TransactionAction{ActionType: aztables.TransactionTypeAdd, Entity: payload})
			continue
		}
		payload, err := json.Marshal(p.pos)
		if err != nil {
			return nil, err
		}
		et := azcore.ETagAny
		if p.version != "" {
			et = azcore.ETag(p.version)
		}
		actions = append(actions, aztables.TransactionAction{ActionType: aztables.TransactionTypeUpdateMerge, Entity: payload, IfMatch: &et})
	}
	return actions, nil
}

func byOrderDesc(tasks []domain.Task) []domain.Task {
	out := append([]domain.Task(nil), tasks...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order > out[j].Order })
	return out
}

// tableErr maps Azure responses onto the domain error taxonomy.
func tableErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return fmt.Errorf("%s: %w: %v", op, domain.ErrStoreUnavailable, err)
	}
	switch code := respErr.StatusCode; {
	case code == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	case code == http.StatusConflict || code == http.StatusPreconditionFailed:
		return fmt.Errorf("%s: %w: %v", op, domain.ErrConflict, err)
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("%s: %w: %v", op, domain.ErrStoreUnavailable, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
