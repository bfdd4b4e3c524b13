// Package policy enforces the sandbox security policy: provision-time
// image and GPU validation, transfer path rules, upload scanning, and
// the network egress allow-list.
package policy

import (
	"net"
	"net/netip"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/jgtolentino/pulser-sandboxd/internal/catalog"
	"github.com/jgtolentino/pulser-sandboxd/internal/infrastructure/config"
	"github.com/jgtolentino/pulser-sandboxd/internal/infrastructure/logging"
	"github.com/jgtolentino/pulser-sandboxd/internal/shared/errs"
	"github.com/jgtolentino/pulser-sandboxd/internal/shared/types"
)

// Cloud metadata endpoints are denied unconditionally. The config
// exposes a BlockMetadata flag for completeness, but turning it off
// does not open these.
var (
	metadataHosts = map[string]struct{}{
		"metadata.google.internal":   {},
		"metadata":                   {},
		"instance-data":              {},
		"instance-data.ec2.internal": {},
	}
	metadataPrefixes = []netip.Prefix{
		netip.MustParsePrefix("169.254.0.0/16"),
		netip.MustParsePrefix("fd00:ec2::254/128"),
		netip.MustParsePrefix("100.100.100.200/32"),
	}
)

// Limits bounds spawn parameters at validation time.
type Limits struct {
	MaxTTL time.Duration
}

// Enforcer is the security policy decision point. All checks are pure
// reads over immutable configuration, safe for concurrent use.
type Enforcer struct {
	cfg      config.PolicyConfig
	transfer config.TransferConfig
	limits   Limits
	catalog  *catalog.Catalog
	scanner  *Scanner
	logger   *logging.Logger

	allowHosts []string
	allowNets  []netip.Prefix
}

// New builds an enforcer, validating every configured pattern up
// front so policy errors surface at startup rather than per request.
func New(cfg config.PolicyConfig, transfer config.TransferConfig, limits Limits, cat *catalog.Catalog, scanner *Scanner, logger *logging.Logger) (*Enforcer, error) {
	e := &Enforcer{
		cfg:      cfg,
		transfer: transfer,
		limits:   limits,
		catalog:  cat,
		scanner:  scanner,
		logger:   logger.Named("policy"),
	}

	for _, raw := range cfg.EgressAllow {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if prefix, err := netip.ParsePrefix(raw); err == nil {
			e.allowNets = append(e.allowNets, prefix)
			continue
		}
		if addr, err := netip.ParseAddr(raw); err == nil {
			e.allowNets = append(e.allowNets, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		pattern := strings.ToLower(raw)
		if !doublestar.ValidatePattern(pattern) {
			return nil, errs.New(errs.KindInvalidArgument, "invalid egress pattern %q", raw)
		}
		e.allowHosts = append(e.allowHosts, pattern)
	}

	for _, glob := range transfer.AllowGlobs {
		if glob != "" && !doublestar.ValidatePattern(glob) {
			return nil, errs.New(errs.KindInvalidArgument, "invalid transfer glob %q", glob)
		}
	}
	for _, glob := range transfer.DenyGlobs {
		if glob != "" && !doublestar.ValidatePattern(glob) {
			return nil, errs.New(errs.KindInvalidArgument, "invalid transfer glob %q", glob)
		}
	}

	if !cfg.BlockMetadata {
		e.logger.Warn("metadata blocking disabled in configuration; metadata endpoints remain denied")
	}
	return e, nil
}

// ValidateSpawn checks a spawn request against the catalog and limits.
// Requests that fail here never reach a backend adapter.
func (e *Enforcer) ValidateSpawn(req *types.SpawnRequest) (*catalog.Image, error) {
	img, err := e.catalog.Lookup(req.Image)
	if err != nil {
		return nil, err
	}

	if req.GPU && !img.GPUEligible {
		return nil, errs.New(errs.KindInvalidArgument, "image %q is not eligible for GPU provisioning", req.Image)
	}
	if req.TTLHours < 0 {
		return nil, errs.New(errs.KindInvalidArgument, "ttl_hours must not be negative")
	}
	if e.limits.MaxTTL > 0 {
		if requested := time.Duration(req.TTLHours * float64(time.Hour)); requested > e.limits.MaxTTL {
			return nil, errs.New(errs.KindInvalidArgument, "requested ttl exceeds the maximum of %s", e.limits.MaxTTL)
		}
	}
	if req.IdleMinutes < 0 {
		return nil, errs.New(errs.KindInvalidArgument, "idle_minutes must not be negative")
	}
	if req.VCPU < 0 || req.MemoryMB < 0 || req.DiskMB < 0 {
		return nil, errs.New(errs.KindInvalidArgument, "resource overrides must not be negative")
	}
	return &img, nil
}

// CheckEgress decides whether a sandbox may reach the target, given as
// a hostname, IP, host:port, or URL. Metadata endpoints are always
// denied; everything else is denied unless the allow-list matches,
// or network isolation is disabled.
func (e *Enforcer) CheckEgress(target string) error {
	host := normalizeHost(target)
	if host == "" {
		return errs.New(errs.KindInvalidArgument, "egress target required")
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		for _, prefix := range metadataPrefixes {
			if prefix.Contains(addr) {
				return errs.New(errs.KindPolicyViolation, "egress to metadata endpoint %s is denied", host)
			}
		}
		if !e.cfg.NetworkIsolation {
			return nil
		}
		for _, prefix := range e.allowNets {
			if prefix.Contains(addr) {
				return nil
			}
		}
		return errs.New(errs.KindPolicyViolation, "egress to %s is not on the allow list", host)
	}

	if _, denied := metadataHosts[host]; denied {
		return errs.New(errs.KindPolicyViolation, "egress to metadata endpoint %s is denied", host)
	}
	if !e.cfg.NetworkIsolation {
		return nil
	}
	for _, pattern := range e.allowHosts {
		if ok, _ := doublestar.Match(pattern, host); ok {
			return nil
		}
	}
	return errs.New(errs.KindPolicyViolation, "egress to %s is not on the allow list", host)
}

// CheckPath validates a transfer path against the deny and allow
// globs. Deny wins; an empty allow list leaves only the deny rules.
func (e *Enforcer) CheckPath(p string) error {
	if p == "" || !path.IsAbs(p) {
		return errs.New(errs.KindInvalidArgument, "transfer path must be absolute")
	}
	clean := path.Clean(p)

	for _, glob := range e.transfer.DenyGlobs {
		if ok, _ := doublestar.Match(glob, clean); ok {
			return errs.New(errs.KindPolicyViolation, "path %s is denied by transfer policy", clean)
		}
	}
	if len(e.transfer.AllowGlobs) == 0 {
		return nil
	}
	for _, glob := range e.transfer.AllowGlobs {
		if ok, _ := doublestar.Match(glob, clean); ok {
			return nil
		}
	}
	return errs.New(errs.KindPolicyViolation, "path %s is outside the allowed transfer roots", clean)
}

// ScanUpload runs the content scanner unless uploads scanning is
// switched off.
func (e *Enforcer) ScanUpload(name string, payload []byte) error {
	if !e.cfg.UploadScan {
		return nil
	}
	return e.scanner.Scan(name, payload)
}

// MaxTransferBytes returns the transfer size cap.
func (e *Enforcer) MaxTransferBytes() int64 {
	return e.transfer.MaxBytes
}

// normalizeHost reduces a target to a bare lowercase host. URLs lose
// scheme and path; ports, IPv6 brackets, and zone suffixes are
// stripped.
func normalizeHost(target string) string {
	host := strings.TrimSpace(strings.ToLower(target))
	if strings.Contains(host, "://") {
		if u, err := url.Parse(host); err == nil && u.Hostname() != "" {
			host = u.Hostname()
		}
	}
	if strings.HasPrefix(host, "[") {
		if end := strings.Index(host, "]"); end > 0 {
			host = host[1:end]
		}
	} else if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if i := strings.IndexByte(host, '%'); i >= 0 {
		host = host[:i]
	}
	return host
}
