package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/clinic-booking-platform/pkg/logging"
)

// VelocityChecker counts refunds per patient in a fixed Redis window. Refunds over the limit are
// held for manual review instead of being sent to the provider.
type VelocityChecker struct {
	redis  *redis.Client
	logger *logging.Logger
	config VelocityConfig
}

// VelocityConfig contains velocity check configuration.
type VelocityConfig struct {
	MaxRefundsPerOwner int
	RefundWindow       time.Duration
	Prefix             string
	Enabled            bool
}

// DefaultVelocityConfig returns default velocity limits.
func DefaultVelocityConfig() VelocityConfig {
	return VelocityConfig{
		MaxRefundsPerOwner: 3,
		RefundWindow:       7 * 24 * time.Hour,
		Prefix:             "clinic:velocity:refund:",
		Enabled:            true,
	}
}

// VelocityResult contains the result of a velocity check.
type VelocityResult struct {
	Allowed      bool
	CurrentCount int
	MaxAllowed   int
	WindowExpiry time.Time
	Message      string
}

// NewVelocityChecker creates a new velocity checker.
func NewVelocityChecker(redisClient *redis.Client, config VelocityConfig, logger *logging.Logger) *VelocityChecker {
	if redisClient == nil {
		panic("payments: redis client required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if config.Prefix == "" {
		config.Prefix = DefaultVelocityConfig().Prefix
	}
	return &VelocityChecker{
		redis:  redisClient,
		logger: logger,
		config: config,
	}
}

// CheckRefund records one refund for ownerID and reports whether it stays within the limit.
// Redis failures fail open.
func (v *VelocityChecker) CheckRefund(ctx context.Context, ownerID string) (*VelocityResult, error) {
	ctx, span := tracer.Start(ctx, "velocity.check_refund")
	defer span.End()
	span.SetAttributes(attribute.String("clinic.owner_id", ownerID))

	if !v.config.Enabled || ownerID == "" {
		return &VelocityResult{Allowed: true}, nil
	}

	key := v.key(ownerID)
	count, expiry, err := v.incrementAndGet(ctx, key, v.config.RefundWindow)
	if err != nil {
		v.logger.Error("velocity check failed", "error", err, "key", key)
		return &VelocityResult{Allowed: true, Message: "velocity check unavailable"}, nil
	}

	result := &VelocityResult{
		Allowed:      count <= v.config.MaxRefundsPerOwner,
		CurrentCount: count,
		MaxAllowed:   v.config.MaxRefundsPerOwner,
		WindowExpiry: expiry,
	}
	if !result.Allowed {
		result.Message = fmt.Sprintf("exceeded %d refunds in %s", v.config.MaxRefundsPerOwner, v.config.RefundWindow)
		v.logger.Warn("refund velocity exceeded",
			"owner_id", ownerID,
			"count", count,
			"max", v.config.MaxRefundsPerOwner,
		)
		span.SetAttributes(attribute.Bool("velocity.exceeded", true))
	}
	return result, nil
}

// Reset clears the refund counter for ownerID (admin use).
func (v *VelocityChecker) Reset(ctx context.Context, ownerID string) error {
	return v.redis.Del(ctx, v.key(ownerID)).Err()
}

func (v *VelocityChecker) key(ownerID string) string {
	return v.config.Prefix + ownerID
}

// incrementAndGet increments a counter and returns the new value with expiry time.
func (v *VelocityChecker) incrementAndGet(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	count, err := v.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, time.Time{}, err
	}
	if count == 1 {
		v.redis.Expire(ctx, key, window)
	}

	ttl, err := v.redis.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = window
	}
	return int(count), time.Now().Add(ttl), nil
}
