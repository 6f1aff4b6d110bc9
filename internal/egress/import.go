package egress

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/pysugar/marketrelay/internal/db/models"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

// Spec describes one identity in an import file or request body.
type Spec struct {
	Kind     string `yaml:"kind" json:"kind"`
	Address  string `yaml:"address" json:"address"`
	Port     int    `yaml:"port" json:"port"`
	Scheme   string `yaml:"scheme" json:"scheme"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	Provider string `yaml:"provider" json:"provider"`
}

// ImportResult counts what an import changed.
type ImportResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
}

type specFile struct {
	Egress []Spec `yaml:"egress"`
}

// ParseSpecs decodes a YAML (or JSON) document holding either a bare list of
// specs or an object with an "egress" list.
func ParseSpecs(data []byte) ([]Spec, error) {
	var list []Spec
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var file specFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse egress specs: %w", err)
	}
	return file.Egress, nil
}

// LoadSpecs reads specs from a file.
func LoadSpecs(path string) ([]Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read egress file: %w", err)
	}
	return ParseSpecs(data)
}

func (s Spec) normalize() (Spec, error) {
	s.Kind = strings.ToLower(strings.TrimSpace(s.Kind))
	s.Address = strings.TrimSpace(s.Address)
	s.Scheme = strings.ToLower(strings.TrimSpace(s.Scheme))
	if s.Kind == "" {
		s.Kind = string(models.EgressProxy)
	}
	if s.Address == "" {
		return s, errors.New("address is required")
	}
	switch models.EgressKind(s.Kind) {
	case models.EgressProxy:
		if s.Port <= 0 || s.Port > 65535 {
			return s, fmt.Errorf("proxy %s: invalid port %d", s.Address, s.Port)
		}
		if s.Scheme == "" {
			s.Scheme = "http"
		}
		switch s.Scheme {
		case "http", "https", "socks5":
		default:
			return s, fmt.Errorf("proxy %s: unsupported scheme %q", s.Address, s.Scheme)
		}
	case models.EgressLocal:
		if net.ParseIP(s.Address) == nil {
			return s, fmt.Errorf("local egress %q is not an IP address", s.Address)
		}
		s.Port = 0
		s.Scheme = ""
	default:
		return s, fmt.Errorf("unknown egress kind %q", s.Kind)
	}
	return s, nil
}

// Import upserts specs for userID keyed by (kind, address, port). Existing
// identities get fresh credentials and are reactivated; assignments are untouched.
func (r *Registry) Import(ctx context.Context, userID string, specs []Spec) (ImportResult, error) {
	var res ImportResult
	normalized := make([]Spec, 0, len(specs))
	for i, s := range specs {
		n, err := s.normalize()
		if err != nil {
			return res, fmt.Errorf("egress spec %d: %w", i, err)
		}
		normalized = append(normalized, n)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, s := range normalized {
			var existing models.EgressIdentity
			err := tx.Where("user_id = ? AND kind = ? AND address = ? AND port = ?", userID, s.Kind, s.Address, s.Port).
				First(&existing).Error
			switch {
			case err == nil:
				if err := tx.Model(&existing).Updates(map[string]any{
					"proxy_scheme": s.Scheme,
					"proxy_user":   s.Username,
					"proxy_pass":   s.Password,
					"provider":     s.Provider,
					"active":       true,
				}).Error; err != nil {
					return err
				}
				res.Updated++
			case errors.Is(err, gorm.ErrRecordNotFound):
				e := models.EgressIdentity{
					ID:          uuid.NewString(),
					UserID:      userID,
					Kind:        models.EgressKind(s.Kind),
					Address:     s.Address,
					Port:        s.Port,
					ProxyScheme: s.Scheme,
					ProxyUser:   s.Username,
					ProxyPass:   s.Password,
					Provider:    s.Provider,
					Active:      true,
				}
				if err := tx.Create(&e).Error; err != nil {
					return err
				}
				res.Created++
			default:
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ImportResult{}, err
	}
	r.log.WithFields(logrus.Fields{"user_id": userID, "created": res.Created, "updated": res.Updated}).
		Info("egress identities imported")
	return res, nil
}

// interfaceAddrs lists the host's interface addresses; replaced in tests.
var interfaceAddrs = net.InterfaceAddrs

// isHostAddress reports whether ip is assigned to an interface of this host.
func isHostAddress(ip net.IP) bool {
	addrs, err := interfaceAddrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		var candidate net.IP
		switch v := a.(type) {
		case *net.IPNet:
			candidate = v.IP
		case *net.IPAddr:
			candidate = v.IP
		}
		if candidate != nil && candidate.Equal(ip) {
			return true
		}
	}
	return false
}

// CaptureLocal registers the caller's own address as a local identity of
// userID, or returns the existing one. Used on first login when the pool is empty.
// Only addresses this host can bind are accepted; anything else yields
// ErrNoEgressAvailable.
func (r *Registry) CaptureLocal(ctx context.Context, userID, address string) (*models.EgressIdentity, error) {
	host := strings.TrimSpace(address)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("capture egress: %q is not an IP address", address)
	}
	if !isHostAddress(ip) {
		return nil, fmt.Errorf("capture egress: %s is not a local interface address: %w", host, ErrNoEgressAvailable)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var out models.EgressIdentity
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("user_id = ? AND kind = ? AND address = ? AND port = ?", userID, models.EgressLocal, host, 0).
			First(&out).Error
		if err == nil {
			if !out.Active {
				out.Active = true
				return tx.Model(&out).Update("active", true).Error
			}
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		out = models.EgressIdentity{
			ID:       uuid.NewString(),
			UserID:   userID,
			Kind:     models.EgressLocal,
			Address:  host,
			Provider: "captured",
			Active:   true,
		}
		return tx.Create(&out).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}
