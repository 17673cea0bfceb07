// Package instances manages the registry of monitored Redis
// instances. Connection URLs are envelope-encrypted at rest and only
// decrypted at point of use; display paths always see a masked URL.
package instances

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/redis-field-engineering/redis-sre-agent/internal/crypto"
	"github.com/redis-field-engineering/redis-sre-agent/internal/keys"
)

// ErrInstanceNotFound is returned when an instance doesn't exist.
var ErrInstanceNotFound = errors.New("instance not found")

// Instance deployment variants. Hosted variants (enterprise, cloud)
// restrict which server commands an operator may be told to run.
const (
	TypeOSS        = "redis_oss"
	TypeEnterprise = "redis_enterprise"
	TypeCloud      = "redis_cloud"
)

func validInstanceType(t string) bool {
	switch t {
	case TypeOSS, TypeEnterprise, TypeCloud:
		return true
	}
	return false
}

// Hosted reports whether the variant is a managed deployment where
// direct server reconfiguration (CONFIG SET and friends) is
// unavailable.
func Hosted(instanceType string) bool {
	return instanceType == TypeEnterprise || instanceType == TypeCloud
}

// Instance is the registry record. ConnectionURL and the admin
// password are never stored or serialized in plaintext; MaskedURL is
// the display form.
type Instance struct {
	ID           string    `json:"instance_id"`
	Name         string    `json:"name"`
	InstanceType string    `json:"instance_type"`
	Environment  string    `json:"environment,omitempty"`
	Usage        string    `json:"usage,omitempty"`
	Notes        string    `json:"notes,omitempty"`
	MaskedURL    string    `json:"masked_url"`
	Transient    bool      `json:"transient,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// CreateParams describes a registration request. InstanceType defaults
// to redis_oss; AdminPassword is optional and encrypted at rest.
type CreateParams struct {
	Name          string
	ConnectionURL string
	InstanceType  string
	Environment   string
	Usage         string
	Notes         string
	AdminPassword string
	Transient     bool
}

// Registry is the Redis-backed encrypted instance store.
type Registry struct {
	client    *redis.Client
	encryptor *crypto.Encryptor
	logger    *zap.Logger
}

func NewRegistry(client *redis.Client, encryptor *crypto.Encryptor, logger *zap.Logger) *Registry {
	return &Registry{client: client, encryptor: encryptor, logger: logger}
}

// Create registers an instance. The connection URL and any admin
// password are encrypted before the write; transient instances
// (extracted from a message mid-turn) expire with the thread TTL.
func (r *Registry) Create(ctx context.Context, p CreateParams) (*Instance, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("instance name is required")
	}
	if _, err := url.Parse(p.ConnectionURL); err != nil || p.ConnectionURL == "" {
		return nil, fmt.Errorf("invalid connection url")
	}
	if p.InstanceType == "" {
		p.InstanceType = TypeOSS
	}
	if !validInstanceType(p.InstanceType) {
		return nil, fmt.Errorf("invalid instance type %q", p.InstanceType)
	}

	sealed, err := r.encryptor.Encrypt(p.ConnectionURL)
	if err != nil {
		return nil, fmt.Errorf("encrypt connection url: %w", err)
	}

	inst := &Instance{
		ID:           keys.NewID(),
		Name:         p.Name,
		InstanceType: p.InstanceType,
		Environment:  p.Environment,
		Usage:        p.Usage,
		Notes:        p.Notes,
		MaskedURL:    MaskURL(p.ConnectionURL),
		Transient:    p.Transient,
		CreatedAt:    time.Now().UTC(),
	}

	fields := map[string]interface{}{
		"name":           inst.Name,
		"instance_type":  inst.InstanceType,
		"environment":    inst.Environment,
		"usage":          inst.Usage,
		"notes":          inst.Notes,
		"masked_url":     inst.MaskedURL,
		"connection_url": sealed,
		"transient":      boolField(inst.Transient),
		"created_at":     inst.CreatedAt.Format(time.RFC3339Nano),
	}
	if p.AdminPassword != "" {
		sealedPw, perr := r.encryptor.Encrypt(p.AdminPassword)
		if perr != nil {
			return nil, fmt.Errorf("encrypt admin password: %w", perr)
		}
		fields["admin_password"] = sealedPw
	}

	key := keys.InstanceDoc(inst.ID)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if p.Transient {
		pipe.Expire(ctx, key, keys.TTLSeconds*time.Second)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}

	r.logger.Info("Registered instance",
		zap.String("instance_id", inst.ID),
		zap.String("name", inst.Name),
		zap.String("instance_type", inst.InstanceType),
		zap.String("url", inst.MaskedURL),
		zap.Bool("transient", p.Transient),
	)
	return inst, nil
}

// Get loads an instance without decrypting its URL.
func (r *Registry) Get(ctx context.Context, instanceID string) (*Instance, error) {
	fields, err := r.client.HGetAll(ctx, keys.InstanceDoc(instanceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get instance: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrInstanceNotFound
	}
	return instanceFromFields(instanceID, fields), nil
}

// ConnectionURL decrypts the stored URL at point of use. A plaintext
// value left by a pre-encryption deployment is tolerated with a
// warning and re-encrypted in place.
func (r *Registry) ConnectionURL(ctx context.Context, instanceID string) (string, error) {
	key := keys.InstanceDoc(instanceID)
	sealed, err := r.client.HGet(ctx, key, "connection_url").Result()
	if err == redis.Nil {
		return "", ErrInstanceNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get connection url: %w", err)
	}

	if crypto.IsEnvelope(sealed) {
		plain, derr := r.encryptor.Decrypt(sealed)
		if derr != nil {
			return "", fmt.Errorf("decrypt connection url: %w", derr)
		}
		return plain, nil
	}

	r.logger.Warn("Instance connection url stored in plaintext, re-encrypting",
		zap.String("instance_id", instanceID))
	resealed, err := r.encryptor.Encrypt(sealed)
	if err == nil {
		if herr := r.client.HSet(ctx, key, "connection_url", resealed).Err(); herr != nil {
			r.logger.Warn("Re-encryption write failed", zap.Error(herr))
		}
	}
	return sealed, nil
}

// AdminPassword decrypts the stored admin password at point of use.
// Instances registered without one return empty.
func (r *Registry) AdminPassword(ctx context.Context, instanceID string) (string, error) {
	sealed, err := r.client.HGet(ctx, keys.InstanceDoc(instanceID), "admin_password").Result()
	if err == redis.Nil {
		exists, eerr := r.client.Exists(ctx, keys.InstanceDoc(instanceID)).Result()
		if eerr != nil {
			return "", fmt.Errorf("get admin password: %w", eerr)
		}
		if exists == 0 {
			return "", ErrInstanceNotFound
		}
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get admin password: %w", err)
	}
	plain, err := r.encryptor.Decrypt(sealed)
	if err != nil {
		return "", fmt.Errorf("decrypt admin password: %w", err)
	}
	return plain, nil
}

// List scans the registry.
func (r *Registry) List(ctx context.Context) ([]*Instance, error) {
	var out []*Instance
	iter := r.client.Scan(ctx, 0, keys.InstanceDocPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		id := strings.TrimPrefix(iter.Val(), keys.InstanceDocPrefix)
		inst, err := r.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrInstanceNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, inst)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	return out, nil
}

// FindByName returns the first instance with a case-insensitive name
// match.
func (r *Registry) FindByName(ctx context.Context, name string) (*Instance, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, inst := range all {
		if strings.EqualFold(inst.Name, name) {
			return inst, nil
		}
	}
	return nil, ErrInstanceNotFound
}

// Delete removes an instance. Idempotent.
func (r *Registry) Delete(ctx context.Context, instanceID string) error {
	if err := r.client.Del(ctx, keys.InstanceDoc(instanceID)).Err(); err != nil {
		return fmt.Errorf("delete instance: %w", err)
	}
	return nil
}

// MigrateLegacy moves the pre-index JSON list at sre:instances into
// per-instance hashes, encrypting any plaintext URLs, then deletes the
// legacy key. Safe to call on every startup.
func (r *Registry) MigrateLegacy(ctx context.Context) (int, error) {
	raw, err := r.client.Get(ctx, keys.InstancesLegacy).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read legacy instances: %w", err)
	}

	var legacy []map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &legacy); err != nil {
		return 0, fmt.Errorf("decode legacy instances: %w", err)
	}

	migrated := 0
	for _, entry := range legacy {
		name, _ := entry["name"].(string)
		rawURL, _ := entry["url"].(string)
		if rawURL == "" {
			rawURL, _ = entry["connection_url"].(string)
		}
		if name == "" || rawURL == "" {
			r.logger.Warn("Skipping legacy instance without name or url")
			continue
		}
		if crypto.IsEnvelope(rawURL) {
			plain, derr := r.encryptor.Decrypt(rawURL)
			if derr != nil {
				r.logger.Warn("Skipping legacy instance with undecryptable url",
					zap.String("name", name), zap.Error(derr))
				continue
			}
			rawURL = plain
		} else {
			r.logger.Warn("Legacy instance url stored in plaintext",
				zap.String("name", name))
		}
		instanceType, _ := entry["instance_type"].(string)
		if instanceType != "" && !validInstanceType(instanceType) {
			r.logger.Warn("Legacy instance with unknown type, defaulting to redis_oss",
				zap.String("name", name), zap.String("instance_type", instanceType))
			instanceType = ""
		}
		env, _ := entry["environment"].(string)
		usage, _ := entry["usage"].(string)
		notes, _ := entry["notes"].(string)
		_, cerr := r.Create(ctx, CreateParams{
			Name:          name,
			ConnectionURL: rawURL,
			InstanceType:  instanceType,
			Environment:   env,
			Usage:         usage,
			Notes:         notes,
		})
		if cerr != nil {
			return migrated, fmt.Errorf("migrate legacy instance %q: %w", name, cerr)
		}
		migrated++
	}

	if err := r.client.Del(ctx, keys.InstancesLegacy).Err(); err != nil {
		return migrated, fmt.Errorf("delete legacy instances key: %w", err)
	}
	r.logger.Info("Migrated legacy instances", zap.Int("count", migrated))
	return migrated, nil
}

// Client opens a connection to the instance's target.
func (r *Registry) Client(ctx context.Context, instanceID string) (*redis.Client, error) {
	rawURL, err := r.ConnectionURL(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse instance url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// MaskURL hides credentials in a connection URL for display and logs.
func MaskURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "redis://****"
	}
	masked := u.Scheme + "://"
	if u.User != nil {
		if name := u.User.Username(); name != "" {
			masked += name + ":****@"
		} else {
			masked += "****@"
		}
	}
	masked += u.Host
	return masked
}

var connectionURLPattern = regexp.MustCompile(`\brediss?://[^\s"'<>]+`)
var hostPortPattern = regexp.MustCompile(`\b([a-zA-Z0-9][a-zA-Z0-9.-]*\.[a-zA-Z]{2,}|localhost|\d{1,3}(?:\.\d{1,3}){3}):(\d{2,5})\b`)

// ExtractConnection pulls connection details out of free text, for the
// "user pasted a redis URL into the message" path. A bare host:port is
// promoted to a redis:// URL.
func ExtractConnection(text string) (string, bool) {
	if m := connectionURLPattern.FindString(text); m != "" {
		return strings.TrimRight(m, ".,;)"), true
	}
	if m := hostPortPattern.FindStringSubmatch(text); m != nil {
		return "redis://" + m[0], true
	}
	return "", false
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func instanceFromFields(id string, fields map[string]string) *Instance {
	inst := &Instance{
		ID:           id,
		Name:         fields["name"],
		InstanceType: fields["instance_type"],
		Environment:  fields["environment"],
		Usage:        fields["usage"],
		Notes:        fields["notes"],
		MaskedURL:    fields["masked_url"],
		Transient:    fields["transient"] == "1",
	}
	if inst.InstanceType == "" {
		// records written before the type field existed
		inst.InstanceType = TypeOSS
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["created_at"]); err == nil {
		inst.CreatedAt = t
	}
	return inst
}
