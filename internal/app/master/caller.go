package master

import (
	"net/http"
	"sync"
	"time"

	"x-ui-provisioner/internal/config"
	"x-ui-provisioner/internal/logger"
	"x-ui-provisioner/internal/security"

	"github.com/gin-gonic/gin"
)

// Capability names an operation group a caller may invoke.
type Capability string

const (
	CapClientsRead    Capability = "clients:read"
	CapClientsCreate  Capability = "clients:create"
	CapClientsManage  Capability = "clients:manage"
	CapClientsMigrate Capability = "clients:migrate"
	// CapForceMigrate allows bypassing the daily location change limit.
	CapForceMigrate Capability = "clients:force_migrate"
	CapAdmin        Capability = "admin"
	capAll          Capability = "*"
)

// Caller is an authenticated API client: the bot, a reseller backend or an
// operator.
type Caller struct {
	Name         string
	apiKey       string
	capabilities map[Capability]bool
}

func (c *Caller) Can(want Capability) bool {
	return c.capabilities[capAll] || c.capabilities[want]
}

const callerKey = "caller"

// CallerFrom returns the caller stored by the auth middleware.
func CallerFrom(c *gin.Context) *Caller {
	v, ok := c.Get(callerKey)
	if !ok {
		return nil
	}
	caller, _ := v.(*Caller)
	return caller
}

// NewCallers builds the caller list from configuration.
func NewCallers(cfgs []config.CallerConfig) []*Caller {
	callers := make([]*Caller, 0, len(cfgs))
	for _, cc := range cfgs {
		caps := make(map[Capability]bool, len(cc.Capabilities))
		for _, name := range cc.Capabilities {
			caps[Capability(name)] = true
		}
		callers = append(callers, &Caller{Name: cc.Name, apiKey: cc.APIKey, capabilities: caps})
	}
	return callers
}

func findCaller(callers []*Caller, key string) *Caller {
	var found *Caller
	// Compare against every key so timing does not reveal the position.
	for _, c := range callers {
		if security.KeysEqual(c.apiKey, key) && found == nil {
			found = c
		}
	}
	return found
}

// apiKeyAuth resolves X-API-Key to a caller and rate-limits per caller.
func apiKeyAuth(callers []*Caller, limiter *rateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-API-Key")
		if key == "" {
			abortWith(c, http.StatusUnauthorized, "missing API key")
			return
		}
		caller := findCaller(callers, key)
		if caller == nil {
			logger.Warningf("rejected API key from %s", c.ClientIP())
			abortWith(c, http.StatusUnauthorized, "invalid API key")
			return
		}
		if limiter != nil && !limiter.allow(caller.Name) {
			abortWith(c, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		c.Set(callerKey, caller)
		c.Next()
	}
}

// requireCapability rejects callers lacking want.
func requireCapability(want Capability) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := CallerFrom(c)
		if caller == nil || !caller.Can(want) {
			abortWith(c, http.StatusForbidden, "caller lacks capability "+string(want))
			return
		}
		c.Next()
	}
}

func abortWith(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "message": message})
}

// rateLimiter is a token bucket per caller.
type rateLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*rateBucket
	ratePerMin int
	burst      int
	now        func() time.Time
}

type rateBucket struct {
	tokens     int
	lastRefill time.Time
}

func newRateLimiter(ratePerMin, burst int) *rateLimiter {
	return &rateLimiter{
		buckets:    make(map[string]*rateBucket),
		ratePerMin: ratePerMin,
		burst:      burst,
		now:        time.Now,
	}
}

func (l *rateLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &rateBucket{tokens: l.burst, lastRefill: now}
		l.buckets[key] = b
	}
	if elapsed := now.Sub(b.lastRefill); elapsed > 0 {
		added := int(elapsed.Minutes() * float64(l.ratePerMin))
		if added > 0 {
			b.tokens = min(l.burst, b.tokens+added)
			b.lastRefill = now
		}
	}
	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}
