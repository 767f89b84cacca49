// Package devices loads drive profiles: register maps and controlword
// tables keyed by profile ID.
package devices

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/KevinKickass/ecatmotor/internal/types"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// DefaultProfileID is the built-in generic CiA 402 profile.
const DefaultProfileID = "cia402-default"

var ErrProfileNotFound = errors.New("profile not found")

//go:embed profiles/*.yaml
var builtinProfiles embed.FS

var profileExtensions = []string{".json", ".yaml", ".yml"}

type ProfileLoader struct {
	cache       sync.Map
	validator   *Validator
	searchPaths []string
	logger      *zap.Logger
}

func NewProfileLoader(searchPaths []string, logger *zap.Logger) (*ProfileLoader, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ProfileLoader{
		validator:   validator,
		searchPaths: searchPaths,
		logger:      logger,
	}, nil
}

// Load returns the profile with the given ID. Files in the search paths
// take precedence over the built-in profiles.
func (l *ProfileLoader) Load(profileID string) (*types.DriveProfile, error) {
	if cached, ok := l.cache.Load(profileID); ok {
		return cached.(*types.DriveProfile), nil
	}

	data, source, err := l.find(profileID)
	if err != nil {
		return nil, err
	}

	profile, err := l.Parse(data, filepath.Ext(source))
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", source, err)
	}

	l.cache.Store(profileID, profile)

	l.logger.Info("Drive profile loaded",
		zap.String("profile", profileID),
		zap.String("source", source),
		zap.String("vendor", profile.Profile.Vendor),
		zap.String("model", profile.Profile.Model))

	return profile, nil
}

func (l *ProfileLoader) find(profileID string) ([]byte, string, error) {
	for _, searchPath := range l.searchPaths {
		for _, ext := range profileExtensions {
			fullPath := filepath.Join(searchPath, profileID+ext)
			data, err := os.ReadFile(fullPath)
			if err == nil {
				return data, fullPath, nil
			}
		}
	}

	for _, ext := range profileExtensions {
		name := "profiles/" + profileID + ext
		data, err := builtinProfiles.ReadFile(name)
		if err == nil {
			return data, "builtin:" + name, nil
		}
	}

	return nil, "", fmt.Errorf("%w: %s (searched in: %v and built-ins)", ErrProfileNotFound, profileID, l.searchPaths)
}

// Parse validates and decodes one profile document. YAML documents are
// normalised to JSON before validation.
func (l *ProfileLoader) Parse(data []byte, ext string) (*types.DriveProfile, error) {
	if ext == ".yaml" || ext == ".yml" {
		converted, err := yamlToJSON(data)
		if err != nil {
			return nil, err
		}
		data = converted
	}

	if err := l.validator.ValidateProfile(data); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	var profile types.DriveProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profile: %w", err)
	}

	return &profile, nil
}

func yamlToJSON(data []byte) ([]byte, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to convert YAML to JSON: %w", err)
	}
	return out, nil
}

func (l *ProfileLoader) ClearCache() {
	l.cache.Range(func(key, value interface{}) bool {
		l.cache.Delete(key)
		return true
	})
}
