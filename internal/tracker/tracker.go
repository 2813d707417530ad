// Package tracker implements the announce-event collaborator spec.md §6
// leaves external (bencode-over-HTTP parsing is out of scope). Client
// satisfies internal/scheduler.Tracker, enough to exercise the
// STARTED/STOPPED/COMPLETED contract against a real tracker endpoint and
// return whatever peer list it hands back.
package tracker

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/kdriss/burrow/internal/errs"
	"github.com/kdriss/burrow/internal/piece"
	"github.com/kdriss/burrow/internal/scheduler"
)

// BytesLeftFunc reports bytes remaining for the announce left= parameter
// (btpd's torrent_bytes_left; cmd/burrowd wires up a copy of
// internal/swarm.Torrent.BytesLeft).
type BytesLeftFunc func() int64

// Client announces to a single tracker URL, retrying transient HTTP and
// network failures with exponential backoff.
type Client struct {
	announceURL string
	infoHash    [20]byte
	peerID      piece.PeerID
	port        uint16
	bytesLeft   BytesLeftFunc

	httpClient *http.Client
	backoff    func() backoff.BackOff
	log        *slog.Logger
}

// New builds a Client for one torrent's announce URL.
func New(announceURL string, infoHash [20]byte, peerID piece.PeerID, port uint16, bytesLeft BytesLeftFunc, log *slog.Logger) *Client {
	return &Client{
		announceURL: announceURL,
		infoHash:    infoHash,
		peerID:      peerID,
		port:        port,
		bytesLeft:   bytesLeft,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		backoff: func() backoff.BackOff {
			return &backoff.ExponentialBackOff{
				InitialInterval:     500 * time.Millisecond,
				RandomizationFactor: 0.2,
				Multiplier:          1.5,
				MaxInterval:         10 * time.Second,
				MaxElapsedTime:      30 * time.Second,
				Clock:               backoff.SystemClock,
			}
		},
		log: log,
	}
}

func eventParam(event scheduler.TrackerEvent) string {
	switch event {
	case scheduler.TrackerStarted:
		return "started"
	case scheduler.TrackerStopped:
		return "stopped"
	case scheduler.TrackerCompleted:
		return "completed"
	default:
		return ""
	}
}

// Announce implements scheduler.Tracker. A STOPPED announce is
// best-effort: btpd's tracker_req(TR_STOPPED) fires on unload without
// blocking the process on a flaky tracker, so a single attempt (no
// backoff loop) is enough.
func (c *Client) Announce(event scheduler.TrackerEvent) ([]net.Addr, error) {
	if event == scheduler.TrackerStopped {
		peers, err := c.doAnnounce(event)
		if err != nil {
			c.log.Warn("stopped announce failed, giving up", "err", err)
			return nil, nil
		}
		return peers, nil
	}

	var peers []net.Addr
	attempt := 0
	operation := func() error {
		attempt++
		var err error
		peers, err = c.doAnnounce(event)
		if err != nil && attempt > 1 {
			c.log.Warn("announce failed, retrying", "event", eventParam(event), "attempt", attempt, "err", err)
		}
		return err
	}

	if err := backoff.Retry(operation, c.backoff()); err != nil {
		return nil, errs.Wrap(errs.IO, err, "tracker announce")
	}
	return peers, nil
}

func (c *Client) doAnnounce(event scheduler.TrackerEvent) ([]net.Addr, error) {
	u, err := url.Parse(c.announceURL)
	if err != nil {
		return nil, errs.Wrap(errs.Config, err, "parse announce url")
	}

	q := u.Query()
	q.Set("info_hash", string(c.infoHash[:]))
	q.Set("peer_id", string(c.peerID))
	q.Set("port", strconv.Itoa(int(c.port)))
	q.Set("compact", "1")
	if c.bytesLeft != nil {
		q.Set("left", strconv.FormatInt(c.bytesLeft(), 10))
	}
	if ev := eventParam(event); ev != "" {
		q.Set("event", ev)
	}
	u.RawQuery = q.Encode()

	resp, err := c.httpClient.Get(u.String())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker responded %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	return parseCompactPeers(body)
}

// parseCompactPeers decodes a compact peer list: this client only ever
// sends compact=1 above, so the response body is a bencoded dict whose
// "peers" value is a flat 6-bytes-per-peer string. Anything else
// (dictionary-style peer lists, bencoding of the rest of the reply) is
// beyond what this stub needs: it locates the "peers" byte string and
// decodes that span directly rather than implementing a full bencode
// parser (out of scope, spec.md §1).
func parseCompactPeers(body []byte) ([]net.Addr, error) {
	const key = "5:peers"
	idx := indexOf(body, []byte(key))
	if idx < 0 {
		return nil, nil
	}
	rest := body[idx+len(key):]

	colon := indexOf(rest, []byte(":"))
	if colon < 0 {
		return nil, errs.New(errs.Protocol, "malformed compact peers length")
	}
	n, err := strconv.Atoi(string(rest[:colon]))
	if err != nil || n < 0 || colon+1+n > len(rest) {
		return nil, errs.New(errs.Protocol, "malformed compact peers length")
	}
	raw := rest[colon+1 : colon+1+n]

	if len(raw)%6 != 0 {
		return nil, errs.New(errs.Protocol, "compact peers not a multiple of 6 bytes")
	}

	peers := make([]net.Addr, 0, len(raw)/6)
	for i := 0; i+6 <= len(raw); i += 6 {
		ip := net.IP(raw[i : i+4])
		port := binary.BigEndian.Uint16(raw[i+4 : i+6])
		peers = append(peers, &net.TCPAddr{IP: ip, Port: int(port)})
	}
	return peers, nil
}

func indexOf(haystack, needle []byte) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
