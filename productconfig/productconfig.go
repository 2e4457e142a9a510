// Package productconfig implements the read path for product-config
// JSON documents: region/locale-scoped knobs describing a product's
// data directory, supported locales, and launch behaviour.
//
// Only the knobs the core (or cmd/casctool) actually consumes are
// exposed; this is a read-only parser, consistent with build-config
// authoring being out of scope.
package productconfig

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/wowserhq/cascore/casctypes"
)

// GameDirConfig names the on-disk install directory.
type GameDirConfig struct {
	DirName string `json:"dirname,omitempty"`
}

// FormConfig groups the small number of form-level settings the core
// cares about.
type FormConfig struct {
	GameDir *GameDirConfig `json:"game_dir,omitempty"`
}

// Config is the set of product knobs recognised under a region or
// locale's "config" object. Unknown fields in the source document are
// ignored rather than rejected.
type Config struct {
	Product               *string  `json:"product,omitempty"`
	DataDir                *string  `json:"data_dir,omitempty"`
	SupportedLocales       []string `json:"supported_locales,omitempty"`
	DisplayLocales         []string `json:"display_locales,omitempty"`
	EnableBlockCopyPatch   *bool    `json:"enable_block_copy_patch,omitempty"`
	SupportsMultibox       *bool    `json:"supports_multibox,omitempty"`
	SupportsOffline        *bool    `json:"supports_offline,omitempty"`
	LaunchArguments        []string `json:"launch_arguments,omitempty"`
	Form                   *FormConfig `json:"form,omitempty"`
}

// RegionConfig wraps a Config the way the source document nests every
// region/locale section under a "config" key.
type RegionConfig struct {
	Config Config `json:"config"`
}

// PlatformConfigs holds the platform-specific overrides of a product
// config document.
type PlatformConfigs struct {
	Mac *RegionConfig `json:"mac,omitempty"`
	Win *RegionConfig `json:"win,omitempty"`
}

// ProductConfig is a fully parsed product-config document: a global
// "all" section plus optional per-locale and per-platform overrides.
type ProductConfig struct {
	All      RegionConfig             `json:"all"`
	Platform *PlatformConfigs         `json:"platform,omitempty"`
	Locales  map[string]RegionConfig  `json:"-"`
}

// productConfigWire mirrors the document's flat per-locale keys
// (dede, enus, eses, ...) so json.Unmarshal can populate them, which
// Parse then folds into ProductConfig.Locales.
type productConfigWire struct {
	All      RegionConfig     `json:"all"`
	Platform *PlatformConfigs `json:"platform,omitempty"`
	DeDE     *RegionConfig    `json:"dede,omitempty"`
	EnUS     *RegionConfig    `json:"enus,omitempty"`
	EsES     *RegionConfig    `json:"eses,omitempty"`
	EsMX     *RegionConfig    `json:"esmx,omitempty"`
	FrFR     *RegionConfig    `json:"frfr,omitempty"`
	ItIT     *RegionConfig    `json:"itit,omitempty"`
	KoKR     *RegionConfig    `json:"kokr,omitempty"`
	PtBR     *RegionConfig    `json:"ptbr,omitempty"`
	RuRU     *RegionConfig    `json:"ruru,omitempty"`
	ZhCN     *RegionConfig    `json:"zhcn,omitempty"`
	ZhTW     *RegionConfig    `json:"zhtw,omitempty"`
}

// Parse decodes a product-config JSON document from r.
func Parse(r io.Reader) (*ProductConfig, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return ParseBytes(data)
}

// ParseBytes decodes a product-config JSON document from data.
func ParseBytes(data []byte) (*ProductConfig, error) {
	var wire productConfigWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("productconfig: %w: %v", casctypes.ErrInvalidFormat, err)
	}

	pc := &ProductConfig{
		All:      wire.All,
		Platform: wire.Platform,
		Locales:  make(map[string]RegionConfig),
	}
	for name, cfg := range map[string]*RegionConfig{
		"dede": wire.DeDE, "enus": wire.EnUS, "eses": wire.EsES, "esmx": wire.EsMX,
		"frfr": wire.FrFR, "itit": wire.ItIT, "kokr": wire.KoKR, "ptbr": wire.PtBR,
		"ruru": wire.RuRU, "zhcn": wire.ZhCN, "zhtw": wire.ZhTW,
	} {
		if cfg != nil {
			pc.Locales[name] = *cfg
		}
	}
	return pc, nil
}

// ProductName returns the global "all" section's product name.
func (pc *ProductConfig) ProductName() string {
	if pc.All.Config.Product == nil {
		return ""
	}
	return *pc.All.Config.Product
}

// DataDir returns the global "all" section's data directory.
func (pc *ProductConfig) DataDir() string {
	if pc.All.Config.DataDir == nil {
		return ""
	}
	return *pc.All.Config.DataDir
}

// SupportedLocales returns the global "all" section's supported
// locales list.
func (pc *ProductConfig) SupportedLocales() []string {
	return pc.All.Config.SupportedLocales
}

// EnableBlockCopyPatch reports whether block-copy patching is enabled,
// defaulting to false when unset.
func (pc *ProductConfig) EnableBlockCopyPatch() bool {
	return pc.All.Config.EnableBlockCopyPatch != nil && *pc.All.Config.EnableBlockCopyPatch
}

// SupportsMultibox reports whether multibox play is supported,
// defaulting to false when unset.
func (pc *ProductConfig) SupportsMultibox() bool {
	return pc.All.Config.SupportsMultibox != nil && *pc.All.Config.SupportsMultibox
}

// LaunchArguments returns the global "all" section's launch arguments.
func (pc *ProductConfig) LaunchArguments() []string {
	return pc.All.Config.LaunchArguments
}

// GameDirName returns the on-disk install directory name, or "" if the
// document doesn't specify one.
func (pc *ProductConfig) GameDirName() string {
	form := pc.All.Config.Form
	if form == nil || form.GameDir == nil {
		return ""
	}
	return form.GameDir.DirName
}

// LocaleConfig returns the region config overriding locale, if present.
func (pc *ProductConfig) LocaleConfig(locale string) (RegionConfig, bool) {
	cfg, ok := pc.Locales[strings.ToLower(locale)]
	return cfg, ok
}

// PlatformConfig returns the region config overriding platform
// ("mac"/"macos"/"osx" or "win"/"windows").
func (pc *ProductConfig) PlatformConfig(platform string) (RegionConfig, bool) {
	if pc.Platform == nil {
		return RegionConfig{}, false
	}
	switch strings.ToLower(platform) {
	case "mac", "macos", "osx":
		if pc.Platform.Mac != nil {
			return *pc.Platform.Mac, true
		}
	case "win", "windows":
		if pc.Platform.Win != nil {
			return *pc.Platform.Win, true
		}
	}
	return RegionConfig{}, false
}
