package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	red "github.com/redis/go-redis/v9"

	"github.com/xuthority/identity-service/internal/core/domain"
	"github.com/xuthority/identity-service/internal/core/port"
)

const defaultFederationStatePrefix = "auth:federation:state"

// FederationStateRepository stores federation redirect slots as JSON strings with a TTL.
type FederationStateRepository struct {
	client *red.Client
	prefix string
}

// NewFederationStateRepository wires a Redis client into a federation state store.
func NewFederationStateRepository(client *red.Client, keyPrefix string) *FederationStateRepository {
	prefix := strings.TrimSpace(keyPrefix)
	if prefix == "" {
		prefix = defaultFederationStatePrefix
	}
	return &FederationStateRepository{client: client, prefix: prefix}
}

// Put stores the slot; an existing slot under the same state is rejected.
func (r *FederationStateRepository) Put(ctx context.Context, state domain.FederationState, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("ttl must be positive")
	}
	if strings.TrimSpace(state.State) == "" {
		return errors.New("state must not be empty")
	}

	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal federation state: %w", err)
	}

	stored, err := r.client.SetNX(ctx, r.key(state.State), payload, ttl).Result()
	if err != nil {
		return fmt.Errorf("redis setnx federation state: %w", err)
	}
	if !stored {
		return errors.New("federation state already exists")
	}

	return nil
}

// Take reads and deletes the slot atomically so a state can be consumed once.
func (r *FederationStateRepository) Take(ctx context.Context, state string) (*domain.FederationState, error) {
	if strings.TrimSpace(state) == "" {
		return nil, nil
	}

	raw, err := r.client.GetDel(ctx, r.key(state)).Bytes()
	if err != nil {
		if errors.Is(err, red.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis getdel federation state: %w", err)
	}

	var slot domain.FederationState
	if err := json.Unmarshal(raw, &slot); err != nil {
		return nil, fmt.Errorf("decode federation state: %w", err)
	}

	return &slot, nil
}

func (r *FederationStateRepository) key(state string) string {
	return fmt.Sprintf("%s:%s", r.prefix, state)
}

var _ port.FederationStateStore = (*FederationStateRepository)(nil)
