package vault

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Aggregator fans key operations out over an ordered list of vaults for
// one service. Reads return the first hit in configuration order; writes
// go to every vault with failures absorbed, so one broken vault never
// fails a download.
type Aggregator struct {
	service string
	vaults  []Vault
	logger  *slog.Logger
}

// NewAggregator creates an aggregator for service over the given vaults.
func NewAggregator(service string, logger *slog.Logger, vaults ...Vault) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{service: service, vaults: vaults, logger: logger}
}

// Service returns the service tag keys are scoped to.
func (a *Aggregator) Service() string { return a.service }

// Vaults returns the member vaults in configuration order.
func (a *Aggregator) Vaults() []Vault { return a.vaults }

// Empty reports whether no vaults are configured.
func (a *Aggregator) Empty() bool { return len(a.vaults) == 0 }

// GetKey returns the first vault hit for kid and the vault that served
// it. Vault read errors are logged and treated as misses.
func (a *Aggregator) GetKey(ctx context.Context, kid uuid.UUID) (string, Vault) {
	for _, v := range a.vaults {
		key, err := v.GetKey(ctx, a.service, kid)
		if err != nil {
			a.logger.Warn("vault read failed",
				slog.String("vault", v.Name()),
				slog.String("kid", KIDHex(kid)),
				slog.String("error", err.Error()),
			)
			continue
		}
		if key == "" || IsNullKey(key) {
			continue
		}
		return key, v
	}
	return "", nil
}

// AddKey stores one key in every vault except exclude (the vault the key
// came from). Write failures are absorbed; the count of successful writes
// is returned.
func (a *Aggregator) AddKey(ctx context.Context, kid uuid.UUID, key string, exclude Vault) int {
	if err := ValidateKey(key); err != nil {
		a.logger.Warn("refusing to cache key",
			slog.String("kid", KIDHex(kid)),
			slog.String("error", err.Error()),
		)
		return 0
	}
	stored := 0
	for _, v := range a.vaults {
		if v == exclude {
			continue
		}
		if _, err := v.AddKey(ctx, a.service, kid, key); err != nil {
			a.logger.Warn("vault write failed",
				slog.String("vault", v.Name()),
				slog.String("kid", KIDHex(kid)),
				slog.String("error", err.Error()),
			)
			continue
		}
		stored++
	}
	return stored
}

// AddKeys stores a batch in every vault, absorbing failures. It returns
// the number of vaults that accepted the batch.
func (a *Aggregator) AddKeys(ctx context.Context, keys map[uuid.UUID]string) int {
	clean := make(map[uuid.UUID]string, len(keys))
	for kid, key := range keys {
		if err := ValidateKey(key); err != nil {
			a.logger.Warn("refusing to cache key",
				slog.String("kid", KIDHex(kid)),
				slog.String("error", err.Error()),
			)
			continue
		}
		clean[kid] = key
	}
	if len(clean) == 0 {
		return 0
	}
	stored := 0
	for _, v := range a.vaults {
		if _, err := v.AddKeys(ctx, a.service, clean); err != nil {
			a.logger.Warn("vault batch write failed",
				slog.String("vault", v.Name()),
				slog.Int("keys", len(clean)),
				slog.String("error", err.Error()),
			)
			continue
		}
		stored++
	}
	return stored
}
