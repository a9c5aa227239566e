package validator

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultLookupTimeout bounds one MX lookup.
	DefaultLookupTimeout = 5 * time.Second
	// DefaultCacheTTL is how long a domain verdict is reused.
	DefaultCacheTTL = 10 * time.Minute
)

// Resolver performs MX lookups. *net.Resolver satisfies it.
type Resolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

type verdict struct {
	ok      bool
	expires time.Time
}

// MXValidator accepts an address when its domain publishes at least one MX record.
// It does not prove the mailbox exists.
type MXValidator struct {
	resolver Resolver
	timeout  time.Duration
	ttl      time.Duration
	logger   *zap.Logger
	now      func() time.Time

	group singleflight.Group
	mu    sync.Mutex
	cache map[string]verdict
}

// NewMXValidator creates a validator. A nil resolver uses net.DefaultResolver;
// a zero ttl disables caching.
func NewMXValidator(resolver Resolver, timeout, ttl time.Duration, logger *zap.Logger) *MXValidator {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MXValidator{
		resolver: resolver,
		timeout:  timeout,
		ttl:      ttl,
		logger:   logger,
		now:      time.Now,
		cache:    make(map[string]verdict),
	}
}

// SplitAddress returns the local part and domain of an address with exactly one '@'
// and both parts non-empty.
func SplitAddress(email string) (local, domain string, ok bool) {
	email = strings.TrimSpace(email)
	if strings.Count(email, "@") != 1 {
		return "", "", false
	}
	local, domain, _ = strings.Cut(email, "@")
	if local == "" || domain == "" {
		return "", "", false
	}
	return local, strings.ToLower(domain), true
}

// Validate reports whether the address is worth a delivery attempt. DNS errors
// count as invalid and are logged, never returned. Only definitive answers are
// cached; a timeout or SERVFAIL is retried by the next caller.
func (v *MXValidator) Validate(ctx context.Context, email string) bool {
	_, domain, ok := SplitAddress(email)
	if !ok {
		v.logger.Debug("malformed address", zap.String("email", email))
		return false
	}
	if ok, hit := v.cached(domain); hit {
		return ok
	}

	// Shared by every waiter, so one caller's cancellation must not decide it.
	lookupCtx := context.WithoutCancel(ctx)
	res, _, _ := v.group.Do(domain, func() (any, error) {
		if ok, hit := v.cached(domain); hit {
			return ok, nil
		}
		ok, definitive := v.lookup(lookupCtx, domain)
		if definitive {
			v.store(domain, ok)
		}
		return ok, nil
	})
	return res.(bool)
}

// lookup resolves MX records. definitive is false for transient failures.
func (v *MXValidator) lookup(ctx context.Context, domain string) (ok, definitive bool) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	records, err := v.resolver.LookupMX(ctx, domain)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			v.logger.Warn("domain not found", zap.String("domain", domain))
			return false, true
		}
		v.logger.Warn("mx lookup failed", zap.String("domain", domain), zap.Error(err))
		return false, false
	}
	if len(records) == 0 {
		v.logger.Warn("domain has no mx records", zap.String("domain", domain))
		return false, true
	}
	return true, true
}

func (v *MXValidator) cached(domain string) (ok, hit bool) {
	if v.ttl <= 0 {
		return false, false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	e, found := v.cache[domain]
	if !found || v.now().After(e.expires) {
		return false, false
	}
	return e.ok, true
}

func (v *MXValidator) store(domain string, ok bool) {
	if v.ttl <= 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache[domain] = verdict{ok: ok, expires: v.now().Add(v.ttl)}
}
