// ABOUTME: The system pack: add, subtract, hellouser, get_user_info and my_quota
// ABOUTME: Account lookups and quota status come from narrow store/quota interfaces

package builtins

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/quota"
	"github.com/2389/toolgate/internal/store"
)

// SystemPackID identifies the system pack.
const SystemPackID = "builtin:system"

// AccountGetter loads accounts for get_user_info.
type AccountGetter interface {
	GetAccount(ctx context.Context, id string) (*store.Account, error)
}

// QuotaReporter reports a principal's quota position for my_quota.
type QuotaReporter interface {
	Status(ctx context.Context, p *auth.Principal) (quota.Status, error)
}

// SystemPack builds the system pack.
func SystemPack(accounts AccountGetter, quotas QuotaReporter) *Pack {
	h := &systemHandlers{accounts: accounts, quotas: quotas}
	return &Pack{
		ID: SystemPackID,
		Tools: []*Tool{
			{
				Name:        "add",
				Description: "Add two numbers",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"a":{"type":"integer"},"b":{"type":"integer"}},"required":["a","b"]}`),
				Handler:     h.Add,
			},
			{
				Name:        "subtract",
				Description: "Subtract two numbers",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"a":{"type":"integer"},"b":{"type":"integer"}},"required":["a","b"]}`),
				Handler:     h.Subtract,
			},
			{
				Name:        "hellouser",
				Description: "Greet a user by name. Use this tool to answer greetings.",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"name":{"type":"string","description":"Name of the user to greet"}},"required":["name"]}`),
				Handler:     h.HelloUser,
			},
			{
				Name:        "get_user_info",
				Description: "Look up one registered account by its exact ID. Requires the admin role.",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"user_id":{"type":"string","minLength":1,"description":"Account ID, e.g. 'admin'"}},"required":["user_id"]}`),
				AdminOnly:   true,
				Handler:     h.GetUserInfo,
			},
			{
				Name:        "my_quota",
				Description: "Show today's tool usage, limit and remaining calls for the caller",
				InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
				Handler:     h.MyQuota,
			},
		},
	}
}

type systemHandlers struct {
	accounts AccountGetter
	quotas   QuotaReporter
}

type operands struct {
	A json.Number `json:"a"`
	B json.Number `json:"b"`
}

func decode(input json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(input))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

func (h *systemHandlers) arith(input json.RawMessage, sign int64) (string, error) {
	var in operands
	if err := decode(input, &in); err != nil {
		return "", err
	}
	a, aErr := in.A.Int64()
	b, bErr := in.B.Int64()
	if aErr == nil && bErr == nil {
		if sign < 0 {
			if b == math.MinInt64 {
				return "", errors.New("integer overflow")
			}
			b = -b
		}
		sum := a + b
		if (sum > a) != (b > 0) {
			return "", errors.New("integer overflow")
		}
		return strconv.FormatInt(sum, 10), nil
	}

	fa, err := in.A.Float64()
	if err != nil {
		return "", fmt.Errorf("%w: a: %v", ErrInvalidInput, err)
	}
	fb, err := in.B.Float64()
	if err != nil {
		return "", fmt.Errorf("%w: b: %v", ErrInvalidInput, err)
	}
	return strconv.FormatFloat(fa+float64(sign)*fb, 'f', -1, 64), nil
}

func (h *systemHandlers) Add(_ context.Context, _ *auth.Principal, input json.RawMessage) (string, error) {
	return h.arith(input, 1)
}

func (h *systemHandlers) Subtract(_ context.Context, _ *auth.Principal, input json.RawMessage) (string, error) {
	return h.arith(input, -1)
}

func (h *systemHandlers) HelloUser(_ context.Context, _ *auth.Principal, input json.RawMessage) (string, error) {
	var in struct {
		Name string `json:"name"`
	}
	if err := decode(input, &in); err != nil {
		return "", err
	}
	return "Hello " + in.Name, nil
}

type accountInfo struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Role        string    `json:"role"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"created_at"`
}

func (h *systemHandlers) GetUserInfo(ctx context.Context, _ *auth.Principal, input json.RawMessage) (string, error) {
	var in struct {
		UserID string `json:"user_id"`
	}
	if err := decode(input, &in); err != nil {
		return "", err
	}

	a, err := h.accounts.GetAccount(ctx, in.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("user not found with ID: %s", in.UserID)
	}
	if err != nil {
		return "", err
	}

	b, err := json.Marshal(accountInfo{
		ID:          a.ID,
		DisplayName: a.DisplayName,
		Role:        a.Role,
		Enabled:     a.Enabled,
		CreatedAt:   a.CreatedAt,
	})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (h *systemHandlers) MyQuota(ctx context.Context, p *auth.Principal, _ json.RawMessage) (string, error) {
	st, err := h.quotas.Status(ctx, p)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(st)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
