package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"gopkg.in/yaml.v3"
)

var slugRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

type platformsFile struct {
	Platforms []platformEntry `yaml:"platforms"`
}

type platformEntry struct {
	Slug          string               `yaml:"slug"`
	Name          string               `yaml:"name"`
	ClientID      string               `yaml:"client_id"`
	ClientSecret  string               `yaml:"client_secret"`
	RedirectURL   string               `yaml:"redirect_url"`
	Scopes        []string             `yaml:"scopes"`
	WebhookSecret string               `yaml:"webhook_secret"`
	ProfilePath   string               `yaml:"profile_path"`
	Hosts         map[string]hostEntry `yaml:"hosts"`
}

type hostEntry struct {
	AuthURL       string `yaml:"auth_url"`
	TokenURL      string `yaml:"token_url"`
	APIBaseURL    string `yaml:"api_base_url"`
	PublicBaseURL string `yaml:"public_base_url"`
}

// Platform is the resolved configuration of one marketplace for the active environment.
type Platform struct {
	Slug          string
	Name          string
	ClientID      string
	ClientSecret  string
	RedirectURL   string
	Scopes        []string
	WebhookSecret string
	ProfilePath   string
	AuthURL       string
	TokenURL      string
	APIBaseURL    string
	PublicBaseURL string
}

// OAuth2Config builds the oauth2 configuration for the platform.
func (p *Platform) OAuth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		RedirectURL:  p.RedirectURL,
		Scopes:       append([]string(nil), p.Scopes...),
		Endpoint: oauth2.Endpoint{
			AuthURL:   p.AuthURL,
			TokenURL:  p.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// Registry is a read-mostly set of configured platforms.
type Registry struct {
	mu     sync.RWMutex
	bySlug map[string]*Platform
}

// NewRegistry builds a registry from already resolved platforms.
func NewRegistry(platforms ...*Platform) *Registry {
	r := &Registry{bySlug: make(map[string]*Platform, len(platforms))}
	for _, p := range platforms {
		r.bySlug[NormalizeSlug(p.Slug)] = p
	}
	return r
}

// Get returns the platform for slug.
func (r *Registry) Get(slug string) (*Platform, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.bySlug[NormalizeSlug(slug)]
	return p, ok
}

// Slugs returns all configured slugs in sorted order.
func (r *Registry) Slugs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.bySlug))
	for slug := range r.bySlug {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}

// NormalizeSlug lower-cases and trims a platform slug.
func NormalizeSlug(slug string) string {
	return strings.ToLower(strings.TrimSpace(slug))
}

// LoadPlatforms reads the platform registry file and applies env overrides.
// A missing file yields an empty registry.
func LoadPlatforms(path, environment string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewRegistry(), nil
		}
		return nil, fmt.Errorf("read platforms file: %w", err)
	}
	return ParsePlatforms(data, environment)
}

// ParsePlatforms decodes YAML platform definitions for the given environment.
func ParsePlatforms(data []byte, environment string) (*Registry, error) {
	var file platformsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse platforms file: %w", err)
	}

	env := normalizeEnvironment(environment)
	platforms := make([]*Platform, 0, len(file.Platforms))
	seen := make(map[string]bool, len(file.Platforms))
	for _, entry := range file.Platforms {
		slug := NormalizeSlug(entry.Slug)
		if !slugRegexp.MatchString(slug) {
			return nil, fmt.Errorf("invalid platform slug %q", entry.Slug)
		}
		if seen[slug] {
			return nil, fmt.Errorf("duplicate platform slug %q", slug)
		}
		seen[slug] = true

		hosts, ok := entry.Hosts[env]
		if !ok {
			return nil, fmt.Errorf("platform %q has no %s hosts", slug, env)
		}

		p := &Platform{
			Slug:          slug,
			Name:          entry.Name,
			ClientID:      entry.ClientID,
			ClientSecret:  entry.ClientSecret,
			RedirectURL:   entry.RedirectURL,
			Scopes:        entry.Scopes,
			WebhookSecret: entry.WebhookSecret,
			ProfilePath:   entry.ProfilePath,
			AuthURL:       hosts.AuthURL,
			TokenURL:      hosts.TokenURL,
			APIBaseURL:    strings.TrimRight(hosts.APIBaseURL, "/"),
			PublicBaseURL: strings.TrimRight(hosts.PublicBaseURL, "/"),
		}
		if p.Name == "" {
			p.Name = slug
		}
		if p.ProfilePath == "" {
			p.ProfilePath = "/users/0.1/self/"
		}
		if p.PublicBaseURL == "" {
			p.PublicBaseURL = p.APIBaseURL
		}
		applyEnvOverrides(p)
		platforms = append(platforms, p)
	}
	return NewRegistry(platforms...), nil
}

// applyEnvOverrides lets secrets live outside the YAML file, e.g. ACME_CLIENT_SECRET.
func applyEnvOverrides(p *Platform) {
	prefix := strings.ToUpper(strings.ReplaceAll(p.Slug, "-", "_")) + "_"
	p.ClientID = getEnv(prefix+"CLIENT_ID", p.ClientID)
	p.ClientSecret = getEnv(prefix+"CLIENT_SECRET", p.ClientSecret)
	p.RedirectURL = getEnv(prefix+"REDIRECT_URL", p.RedirectURL)
	p.WebhookSecret = getEnv(prefix+"WEBHOOK_SECRET", p.WebhookSecret)
}
