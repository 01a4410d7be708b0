// Package threatintel stores indicators of compromise, techniques, actors
// and campaigns, correlates new indicators into campaigns and answers
// analysis and report queries from consistent snapshots.
package threatintel

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// IOCType is the kind of observable an indicator describes.
type IOCType string

const (
	IOCTypeIP        IOCType = "ip"
	IOCTypeDomain    IOCType = "domain"
	IOCTypeURL       IOCType = "url"
	IOCTypeFileHash  IOCType = "file_hash"
	IOCTypeEmail     IOCType = "email"
	IOCTypeUserAgent IOCType = "user_agent"
)

var iocTypeAliases = map[string]IOCType{
	"ip": IOCTypeIP, "ipv4": IOCTypeIP, "ipv6": IOCTypeIP, "ip_address": IOCTypeIP,
	"domain": IOCTypeDomain, "hostname": IOCTypeDomain, "fqdn": IOCTypeDomain,
	"url": IOCTypeURL, "uri": IOCTypeURL,
	"file_hash": IOCTypeFileHash, "filehash": IOCTypeFileHash, "hash": IOCTypeFileHash,
	"md5": IOCTypeFileHash, "sha1": IOCTypeFileHash, "sha256": IOCTypeFileHash,
	"email": IOCTypeEmail, "email_address": IOCTypeEmail,
	"user_agent": IOCTypeUserAgent, "useragent": IOCTypeUserAgent,
}

// ParseIOCType accepts the stable identifier or a common alias.
func ParseIOCType(s string) (IOCType, error) {
	if t, ok := iocTypeAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return t, nil
	}
	return "", fmt.Errorf("unknown indicator type %q", s)
}

// NormalizeValue canonicalises an observable so that equal indicators share
// one key. It fails for values that are not valid for the type.
func NormalizeValue(t IOCType, v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", fmt.Errorf("empty %s value", t)
	}
	switch t {
	case IOCTypeIP:
		ip := net.ParseIP(v)
		if ip == nil {
			return "", fmt.Errorf("invalid ip %q", v)
		}
		return ip.String(), nil
	case IOCTypeDomain:
		d := strings.TrimSuffix(strings.ToLower(v), ".")
		if strings.ContainsAny(d, " /@") || !strings.Contains(d, ".") {
			return "", fmt.Errorf("invalid domain %q", v)
		}
		return d, nil
	case IOCTypeURL:
		u, err := url.Parse(v)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return "", fmt.Errorf("invalid url %q", v)
		}
		u.Scheme = strings.ToLower(u.Scheme)
		u.Host = strings.ToLower(u.Host)
		return u.String(), nil
	case IOCTypeFileHash:
		h := strings.ToLower(v)
		switch len(h) {
		case 32, 40, 64, 128:
		default:
			return "", fmt.Errorf("invalid hash length %d", len(h))
		}
		for _, c := range h {
			if !strings.ContainsRune("0123456789abcdef", c) {
				return "", fmt.Errorf("invalid hash %q", v)
			}
		}
		return h, nil
	case IOCTypeEmail:
		e := strings.ToLower(v)
		at := strings.LastIndex(e, "@")
		if at <= 0 || at == len(e)-1 {
			return "", fmt.Errorf("invalid email %q", v)
		}
		return e, nil
	case IOCTypeUserAgent:
		return v, nil
	default:
		return "", fmt.Errorf("unknown indicator type %q", t)
	}
}

// TLP is the Traffic Light Protocol sharing classification.
type TLP string

const (
	TLPWhite TLP = "white"
	TLPGreen TLP = "green"
	TLPAmber TLP = "amber"
	TLPRed   TLP = "red"
)

func (t TLP) rank() int {
	switch t {
	case TLPGreen:
		return 1
	case TLPAmber:
		return 2
	case TLPRed:
		return 3
	default:
		return 0
	}
}

// Valid reports whether t is a known TLP level or empty.
func (t TLP) Valid() bool {
	switch t {
	case "", TLPWhite, TLPGreen, TLPAmber, TLPRed:
		return true
	}
	return false
}

// Geo is the resolved location of an indicator.
type Geo struct {
	Country string `json:"country,omitempty"`
	Region  string `json:"region,omitempty"`
	City    string `json:"city,omitempty"`
	ASN     string `json:"asn,omitempty"`
}

func (g *Geo) empty() bool {
	return g == nil || (g.Country == "" && g.Region == "" && g.City == "" && g.ASN == "")
}

// IOCContext carries what feeds know about an indicator.
type IOCContext struct {
	MalwareFamily  string   `json:"malware_family,omitempty"`
	Campaign       string   `json:"campaign,omitempty"`
	Actor          string   `json:"actor,omitempty"`
	KillChainPhase string   `json:"kill_chain_phase,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	TTPs           []string `json:"ttps,omitempty"`
	Sectors        []string `json:"sectors,omitempty"`
	Geo            *Geo     `json:"geo,omitempty"`
}

// IOC is an indicator of compromise. Indicators are never deleted; a
// superseded indicator stays for audit and is excluded from correlation.
type IOC struct {
	ID           string     `json:"id"`
	Type         IOCType    `json:"type"`
	Value        string     `json:"value"`
	FirstSeen    time.Time  `json:"first_seen"`
	LastSeen     time.Time  `json:"last_seen"`
	Confidence   float64    `json:"confidence"`
	TLP          TLP        `json:"tlp"`
	Sources      []string   `json:"sources"`
	Context      IOCContext `json:"context"`
	Superseded   bool       `json:"superseded,omitempty"`
	SupersededBy string     `json:"superseded_by,omitempty"`
}

// Key identifies an indicator by type and normalized value.
func Key(t IOCType, normalized string) string {
	return string(t) + "|" + normalized
}

// Key returns the uniqueness key of the indicator.
func (i IOC) Key() string { return Key(i.Type, i.Value) }

// TTP is a MITRE ATT&CK technique reference.
type TTP struct {
	ID           string   `json:"id"`
	MitreID      string   `json:"mitre_id"`
	Tactic       string   `json:"tactic"`
	Technique    string   `json:"technique"`
	SubTechnique string   `json:"sub_technique,omitempty"`
	Platforms    []string `json:"platforms,omitempty"`
	Detection    string   `json:"detection,omitempty"`
	Mitigation   string   `json:"mitigation,omitempty"`
}

// Attribution is how certain an actor attribution is.
type Attribution string

const (
	AttributionSuspected Attribution = "suspected"
	AttributionLikely    Attribution = "likely"
	AttributionConfirmed Attribution = "confirmed"
)

// ThreatActor is a known adversary.
type ThreatActor struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Aliases        []string    `json:"aliases,omitempty"`
	Sophistication string      `json:"sophistication,omitempty"`
	Motivations    []string    `json:"motivations,omitempty"`
	TargetSectors  []string    `json:"target_sectors,omitempty"`
	KnownTTPs      []string    `json:"known_ttps,omitempty"`
	Attribution    Attribution `json:"attribution,omitempty"`
}

// Campaign timeline event types.
const (
	CampaignEventCreated = "created"
	CampaignEventMerged  = "merged"
	CampaignEventExpired = "expired"
)

// CampaignEvent is one entry of a campaign timeline.
type CampaignEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	IOCIDs      []string  `json:"ioc_ids,omitempty"`
	Confidence  float64   `json:"confidence,omitempty"`
}

// ThreatCampaign is a correlated cluster of indicators.
type ThreatCampaign struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	ActorID      string          `json:"actor_id,omitempty"`
	StartDate    time.Time       `json:"start_date"`
	EndDate      *time.Time      `json:"end_date,omitempty"`
	IsActive     bool            `json:"is_active"`
	TTPs         []string        `json:"ttps,omitempty"`
	IOCIDs       []string        `json:"ioc_ids"`
	Confidence   float64         `json:"confidence"`
	LastActivity time.Time       `json:"last_activity"`
	Timeline     []CampaignEvent `json:"timeline"`
}

// Dimension of a correlation.
type Dimension string

const (
	DimensionTemporal   Dimension = "temporal"
	DimensionGeographic Dimension = "geographic"
	DimensionActor      Dimension = "actor"
	DimensionTTP        Dimension = "ttp"
)

// Correlation is an ephemeral grouping found during one analysis pass.
type Correlation struct {
	Dimension Dimension `json:"dimension"`
	Strength  float64   `json:"strength"`
	IOCIDs    []string  `json:"ioc_ids"`
}

// UpdateType classifies a ThreatUpdate.
type UpdateType string

const (
	UpdateIndicators UpdateType = "indicators"
	UpdateCampaign   UpdateType = "campaign"
	UpdateActor      UpdateType = "actor"
	UpdateTechnique  UpdateType = "technique"
)

// ThreatUpdate is the normalized unit both consumed from feeds and emitted
// to subscribers.
type ThreatUpdate struct {
	ID         string        `json:"id"`
	Type       UpdateType    `json:"type"`
	Severity   string        `json:"severity"`
	IOCs       []IOC         `json:"iocs,omitempty"`
	TTPs       []TTP         `json:"ttps,omitempty"`
	Actors     []ThreatActor `json:"actors,omitempty"`
	CampaignID string        `json:"campaign_id,omitempty"`
	Confidence float64       `json:"confidence"`
	Timestamp  time.Time     `json:"timestamp"`
	Source     string        `json:"source"`
}
