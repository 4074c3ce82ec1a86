// Package rulehandler implements the dedicated UDP listener that
// receives rule-install packets, stages and commits them into
// RuleStore, and sends back a commitment ACK. It is a separate listener
// from the token-routing path (spec §6): different port scheme,
// different packet shape, and (when deployed remotely) an OIDC auth
// gate that the local/loopback deployment mode does not need.
package rulehandler

import (
	"context"
	"encoding/xml"
	"fmt"
	"net"
	"strconv"
	"strings"

	"tokenflow.evalgo.org/audit"
	"tokenflow.evalgo.org/common"
	"tokenflow.evalgo.org/errs"
	"tokenflow.evalgo.org/rulestore"
	"tokenflow.evalgo.org/security"
	"tokenflow.evalgo.org/topology"
)

// Port-scheme constants (spec §6).
const (
	RuleListenerPortBase = 20_000
	LocalACKPort         = 30_000
	RemoteACKPortBase    = 35_000
)

type wireHeader struct {
	RuleBaseVersion    string `xml:"ruleBaseVersion"`
	RuleBaseCommitment bool   `xml:"ruleBaseCommitment"`
	AuthToken          string `xml:"authToken,omitempty"`
}

type wireTargetService struct {
	ServiceName   string `xml:"serviceName"`
	OperationName string `xml:"operationName"`
}

type wireRuleFileData struct {
	Data string `xml:"data"`
}

type wireRuleInstall struct {
	XMLName       xml.Name          `xml:"ruleinstall"`
	Header        wireHeader        `xml:"header"`
	TargetService wireTargetService `xml:"targetservice"`
	RuleFileData  wireRuleFileData  `xml:"rulefiledata"`
}

// Config controls how the rulehandler binds and authenticates.
type Config struct {
	// Remote switches the listener to bind 0.0.0.0 and require OIDC
	// sender authentication, versus loopback-only with no auth for
	// trusted local deployments. This mirrors service.remote.host.
	Remote       bool
	ChannelIndex int
	BasePort     int
}

// Handler is the rule-install UDP listener.
type Handler struct {
	cfg      Config
	store    *rulestore.Store
	verifier *security.OIDCProvider // nil disables auth (local mode)
	audit    audit.Recorder         // nil disables the git-hosted rule history trail
	graph    *topology.Graph        // nil disables topology indexing
	log      *common.ContextLogger
}

// New returns a rulehandler bound to store. verifier may be nil; it is
// only consulted when cfg.Remote is true. recorder may be nil, which
// disables pushing staged rule bundles to a git-hosted history trail;
// a failed push never blocks the ACK (spec §7's fire-and-forget rule).
// graph may be nil, which disables topology indexing of newly committed
// bundles.
func New(cfg Config, store *rulestore.Store, verifier *security.OIDCProvider, recorder audit.Recorder, graph *topology.Graph) *Handler {
	if recorder == nil {
		recorder = audit.NoopRecorder{}
	}
	return &Handler{cfg: cfg, store: store, verifier: verifier, audit: recorder, graph: graph, log: common.ServiceLogger("rulehandler", "")}
}

func (h *Handler) listenPort() int {
	return RuleListenerPortBase + h.cfg.ChannelIndex*1_000 + h.cfg.BasePort
}

// ListenAndServe opens the rule-install socket and processes packets
// until ctx is canceled.
func (h *Handler) ListenAndServe(ctx context.Context) error {
	bindIP := "127.0.0.1"
	if h.cfg.Remote {
		bindIP = "0.0.0.0"
	}
	addr := &net.UDPAddr{IP: net.ParseIP(bindIP), Port: h.listenPort()}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("rulehandler: listen: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 65536)
	for {
		n, remoteAddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			h.log.WithError(err).Warn("rule-install read failed")
			continue
		}
		h.handlePacket(ctx, conn, buf[:n], remoteAddr)
	}
}

// handlePacket processes one rule-install datagram. A parse failure or
// a failed auth check yields no ACK - silence is a NAK, per spec §7.
func (h *Handler) handlePacket(ctx context.Context, conn *net.UDPConn, data []byte, from *net.UDPAddr) {
	var install wireRuleInstall
	if err := xml.Unmarshal(data, &install); err != nil {
		h.log.WithError(err).Warn("rule-install packet parse failed, no ack sent")
		return
	}
	if install.Header.RuleBaseVersion == "" || install.TargetService.ServiceName == "" ||
		install.TargetService.OperationName == "" || install.RuleFileData.Data == "" {
		h.log.Warn("rule-install packet missing mandatory field, no ack sent")
		return
	}

	if h.cfg.Remote {
		if h.verifier == nil {
			h.log.Warn("remote rule-install received but no OIDC verifier configured, rejecting")
			return
		}
		if _, err := h.verifier.VerifyIDToken(ctx, install.Header.AuthToken); err != nil {
			h.log.WithError(err).Warn("rule-install auth token rejected, no ack sent")
			return
		}
	}

	if err := h.store.Stage(install.Header.RuleBaseVersion, install.TargetService.OperationName,
		install.TargetService.ServiceName, []byte(install.RuleFileData.Data)); err != nil {
		h.log.WithError(err).Warn("rule-install stage failed, no ack sent")
		return
	}

	if err := h.audit.Record(ctx, install.Header.RuleBaseVersion, install.TargetService.OperationName,
		install.TargetService.ServiceName, []byte(install.RuleFileData.Data)); err != nil {
		h.log.WithError(err).Warn("rule-install audit push failed, continuing")
	}

	if !install.Header.RuleBaseCommitment {
		return
	}

	count := h.store.Commit(install.Header.RuleBaseVersion)
	h.indexTopology(install.Header.RuleBaseVersion, install.TargetService.OperationName, install.TargetService.ServiceName)
	ack := fmt.Sprintf("CONFIRMED:%s:%d", install.Header.RuleBaseVersion, count)
	h.sendACK(conn, from, install.Header.RuleBaseVersion, ack)
}

// indexTopology registers the newly committed bundle's routing targets
// in the topology graph, a pure observer: it never affects admission,
// guarding, or ACK behavior, so any failure here is logged and dropped.
func (h *Handler) indexTopology(version, operation, service string) {
	if h.graph == nil {
		return
	}
	bundle, ok := h.store.Lookup(version, operation, service)
	if !ok {
		return
	}
	if err := h.graph.RegisterPlace(service, operation); err != nil {
		h.log.WithError(err).Warn("topology place registration failed, continuing")
		return
	}
	for _, target := range bundle.Routes {
		if err := h.graph.RegisterTransition(service, operation, target.Service, target.Operation); err != nil {
			h.log.WithError(err).Warn("topology transition registration failed, continuing")
		}
	}
}

func (h *Handler) sendACK(conn *net.UDPConn, from *net.UDPAddr, ruleBaseVersion, ack string) {
	port := LocalACKPort
	if h.cfg.Remote {
		versionNumber, err := parseVersionNumber(ruleBaseVersion)
		if err != nil {
			h.log.WithError(err).Warn("cannot compute remote ack port, dropping ack")
			return
		}
		port = RemoteACKPortBase + versionNumber
	}
	ackAddr := &net.UDPAddr{IP: from.IP, Port: port}
	if _, err := conn.WriteToUDP([]byte(ack), ackAddr); err != nil {
		h.log.WithError(err).Warn("failed to send rule-install ack")
	}
}

func parseVersionNumber(ruleBaseVersion string) (int, error) {
	trimmed := strings.TrimPrefix(ruleBaseVersion, "v")
	n, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", errs.ErrRuleParseFailed, ruleBaseVersion)
	}
	return n, nil
}
