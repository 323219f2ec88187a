package directory

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"scoparia/internal/model"
	"scoparia/internal/wikidot"
)

// PageLister lists user configuration pages of a wiki category.
type PageLister interface {
	ListConfigPages(ctx context.Context, siteURL, category string) ([]wikidot.ConfigPage, error)
}

// pageConfig is the YAML document a user keeps on their config page.
type pageConfig struct {
	Timezone        string   `yaml:"timezone"`
	MentionLevel    string   `yaml:"mention_level"`
	EnableWikidotPM yamlFlag `yaml:"enable_wikidot_pm"`
	EnableEmail     yamlFlag `yaml:"enable_email"`
	EnableApprise   yamlFlag `yaml:"enable_apprise"`
}

// yamlFlag is a checkbox value. "1", true, yes and on count as set. Anything
// else, including an absent key, is off.
type yamlFlag bool

func (f *yamlFlag) UnmarshalYAML(n *yaml.Node) error {
	switch strings.ToLower(strings.TrimSpace(n.Value)) {
	case "1", "true", "yes", "on":
		*f = true
	default:
		*f = false
	}
	return nil
}

// ProfileFromPage builds a profile from a config page. The page name must be
// the numeric id of the account that created it.
func ProfileFromPage(p wikidot.ConfigPage) (model.UserProfile, error) {
	id, err := strconv.ParseInt(p.Name, 10, 64)
	if err != nil {
		return model.UserProfile{}, fmt.Errorf("page name %q is not a user id", p.Name)
	}
	if !p.HasCreator || p.CreatedBy.ID != id {
		return model.UserProfile{}, fmt.Errorf("page %q created by user %d, not by its owner", p.Name, p.CreatedBy.ID)
	}

	var cfg pageConfig
	if p.Content != "" {
		if err := yaml.Unmarshal([]byte(p.Content), &cfg); err != nil {
			return model.UserProfile{}, fmt.Errorf("decode config of page %q: %w", p.Name, err)
		}
	}
	tz := cfg.Timezone
	if tz == "" {
		tz = "UTC"
	}

	return model.UserProfile{
		UserID:   id,
		Username: p.CreatedBy.Name,
		Channels: model.ChannelSettings{
			WikidotPM: bool(cfg.EnableWikidotPM),
			Email:     model.EmailSettings{Enabled: bool(cfg.EnableEmail), Address: p.Email},
			Apprise:   model.AppriseSettings{Enabled: bool(cfg.EnableApprise), URLs: p.AppriseURLs},
		},
		MentionLevel: model.ParseMentionLevel(cfg.MentionLevel),
		Timezone:     tz,
	}, nil
}

// LoadWikiConfigs lists the config pages of category on siteURL and converts
// them to profiles. Invalid pages are logged and skipped.
func LoadWikiConfigs(ctx context.Context, lister PageLister, siteURL, category string, logger *slog.Logger) ([]model.UserProfile, error) {
	pages, err := lister.ListConfigPages(ctx, siteURL, category)
	if err != nil {
		return nil, fmt.Errorf("list config pages: %w", err)
	}

	profiles := make([]model.UserProfile, 0, len(pages))
	for _, p := range pages {
		prof, err := ProfileFromPage(p)
		if err != nil {
			logger.Warn("skipping user config page", "page", p.Name, "error", err)
			continue
		}
		profiles = append(profiles, prof)
	}
	logger.Info("loaded user configs from wiki", "site", siteURL, "category", category,
		"pages", len(pages), "profiles", len(profiles))
	return profiles, nil
}
