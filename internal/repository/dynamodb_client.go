package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"deep-research-agent/internal/domain"
)

const (
	skPrefixMsg = "MSG#"
	skMeta      = "META#"
	ttlDuration = 30 * 24 * time.Hour // 30-day TTL

	// Fixed width so sort keys order lexically by time.
	skTimeLayout = "2006-01-02T15:04:05.000000000Z"

	// One transaction holds every new turn plus the meta record.
	maxTransactItems = 100
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// ReadWriter defines the research run operations consumed by the usecase.
type ReadWriter interface {
	GetRun(ctx context.Context, researchID string) (domain.RunMeta, bool, error)
	GetHistory(ctx context.Context, researchID string, limit int) ([]domain.ChatMessage, error)
	SaveRun(ctx context.Context, rec domain.RunRecord) error
}

// Client wraps a DynamoDB table for research run state.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

// runPK returns the DynamoDB partition key for a research run.
func runPK(researchID string) string {
	return "RUN#" + researchID
}

// msgSK returns the sort key for the seq-th message written at ts.
func msgSK(ts time.Time, seq int) string {
	return fmt.Sprintf("%s%s#%03d", skPrefixMsg, ts.UTC().Format(skTimeLayout), seq)
}

// ttlValue returns a Unix timestamp 30 days after now.
func ttlValue(now time.Time) int64 {
	return now.Add(ttlDuration).Unix()
}

// GetRun reads the run metadata. The bool is false when the run does not
// exist.
func (c *Client) GetRun(ctx context.Context, researchID string) (domain.RunMeta, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: runPK(researchID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.RunMeta{}, false, fmt.Errorf("repository: GetRun get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.RunMeta{}, false, nil
	}

	meta, err := itemToMeta(out.Item)
	if err != nil {
		return domain.RunMeta{}, false, fmt.Errorf("repository: GetRun decode: %w", err)
	}
	return meta, true, nil
}

// GetHistory queries the most recent MSG# items for a run, following pages
// until limit items are read (all of them when limit <= 0), and returns them
// in chronological order.
func (c *Client) GetHistory(ctx context.Context, researchID string, limit int) ([]domain.ChatMessage, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: runPK(researchID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
		ConsistentRead:   aws.Bool(true),
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}

	var msgs []domain.ChatMessage
	pages := dynamodb.NewQueryPaginator(c.api, in)
	for pages.HasMorePages() && (limit <= 0 || len(msgs) < limit) {
		out, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("repository: GetHistory query: %w", err)
		}
		for _, item := range out.Items {
			turn, err := itemToTurn(item)
			if err != nil {
				return nil, fmt.Errorf("repository: GetHistory unmarshal: %w", err)
			}
			msgs = append(msgs, domain.ChatMessage{Role: turn.Role, Content: turn.Content})
		}
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// SaveRun appends the run's new messages and replaces its metadata in one
// transaction, so a reader never sees turns without matching metadata.
func (c *Client) SaveRun(ctx context.Context, rec domain.RunRecord) error {
	if strings.TrimSpace(rec.ResearchID) == "" {
		return errors.New("repository: SaveRun: research id is required")
	}
	if len(rec.Messages)+1 > maxTransactItems {
		return fmt.Errorf("repository: SaveRun: %d messages exceed one transaction", len(rec.Messages))
	}

	now := c.now()
	items := make([]types.TransactWriteItem, 0, len(rec.Messages)+1)
	for i, m := range rec.Messages {
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(c.tableName),
				Item:                turnItem(NewTurn(rec.ResearchID, m, now, i)),
				ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
			},
		})
	}
	items = append(items, types.TransactWriteItem{
		Put: &types.Put{
			TableName: aws.String(c.tableName),
			Item:      metaItem(NewRunMeta(rec, now)),
		},
	})

	if _, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		return fmt.Errorf("repository: SaveRun: %w", err)
	}
	return nil
}

// NewTurn constructs a Turn with PK/SK/TTL derived from the run id and time.
func NewTurn(researchID string, msg domain.ChatMessage, now time.Time, seq int) domain.Turn {
	return domain.Turn{
		PK:         runPK(researchID),
		SK:         msgSK(now, seq),
		ResearchID: researchID,
		Role:       msg.Role,
		Content:    msg.Content,
		TTL:        ttlValue(now),
	}
}

// NewRunMeta constructs the metadata record for a run.
func NewRunMeta(rec domain.RunRecord, now time.Time) domain.RunMeta {
	return domain.RunMeta{
		PK:            runPK(rec.ResearchID),
		SK:            skMeta,
		ResearchID:    rec.ResearchID,
		Status:        rec.Status,
		ResearchBrief: rec.ResearchBrief,
		FinalReport:   rec.FinalReport,
		Turns:         rec.Turns,
		InputTokens:   rec.InputTokens,
		OutputTokens:  rec.OutputTokens,
		CostUSD:       rec.CostUSD,
		LastActivity:  now.UTC().Format(time.RFC3339),
		TTL:           ttlValue(now),
	}
}

func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	pk, err := strAttr(item, "PK")
	if err != nil {
		return domain.Turn{}, err
	}
	sk, err := strAttr(item, "SK")
	if err != nil {
		return domain.Turn{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Turn{}, err
	}
	content, _ := strAttr(item, "content") // allow empty
	researchID, _ := strAttr(item, "researchId")

	return domain.Turn{PK: pk, SK: sk, ResearchID: researchID, Role: role, Content: content}, nil
}

func itemToMeta(item map[string]types.AttributeValue) (domain.RunMeta, error) {
	pk, err := strAttr(item, "PK")
	if err != nil {
		return domain.RunMeta{}, err
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return domain.RunMeta{}, err
	}
	turns, err := intAttr(item, "turns")
	if err != nil {
		return domain.RunMeta{}, err
	}
	researchID, _ := strAttr(item, "researchId")
	brief, _ := strAttr(item, "researchBrief")
	report, _ := strAttr(item, "finalReport")
	cost, _ := strAttr(item, "costUsd")
	lastActivity, _ := strAttr(item, "lastActivity")
	inTokens, _ := intAttr(item, "inputTokens")
	outTokens, _ := intAttr(item, "outputTokens")

	return domain.RunMeta{
		PK:            pk,
		SK:            skMeta,
		ResearchID:    researchID,
		Status:        domain.RunStatus(status),
		ResearchBrief: brief,
		FinalReport:   report,
		Turns:         turns,
		InputTokens:   inTokens,
		OutputTokens:  outTokens,
		CostUSD:       cost,
		LastActivity:  lastActivity,
	}, nil
}

func turnItem(t domain.Turn) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: t.PK},
		"SK":         &types.AttributeValueMemberS{Value: t.SK},
		"researchId": &types.AttributeValueMemberS{Value: t.ResearchID},
		"role":       &types.AttributeValueMemberS{Value: t.Role},
		"content":    &types.AttributeValueMemberS{Value: t.Content},
		"ttl":        &types.AttributeValueMemberN{Value: strconv.FormatInt(t.TTL, 10)},
	}
}

func metaItem(meta domain.RunMeta) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":            &types.AttributeValueMemberS{Value: meta.PK},
		"SK":            &types.AttributeValueMemberS{Value: meta.SK},
		"researchId":    &types.AttributeValueMemberS{Value: meta.ResearchID},
		"status":        &types.AttributeValueMemberS{Value: string(meta.Status)},
		"researchBrief": &types.AttributeValueMemberS{Value: meta.ResearchBrief},
		"finalReport":   &types.AttributeValueMemberS{Value: meta.FinalReport},
		"turns":         &types.AttributeValueMemberN{Value: strconv.Itoa(meta.Turns)},
		"inputTokens":   &types.AttributeValueMemberN{Value: strconv.Itoa(meta.InputTokens)},
		"outputTokens":  &types.AttributeValueMemberN{Value: strconv.Itoa(meta.OutputTokens)},
		"costUsd":       &types.AttributeValueMemberS{Value: meta.CostUSD},
		"lastActivity":  &types.AttributeValueMemberS{Value: meta.LastActivity},
		"ttl":           &types.AttributeValueMemberN{Value: strconv.FormatInt(meta.TTL, 10)},
	}
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
