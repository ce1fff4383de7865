// Package discovery publishes the aggregation server address in ZooKeeper
// and lets sources and readers find it.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
)

const (
	serversNode = "servers"
	nodePrefix  = "server-"
)

var ErrNoServer = errors.New("discovery: no aggregation server registered")

type iConn interface {
	Exists(path string) (bool, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Children(path string) ([]string, *zk.Stat, error)
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	Get(path string) ([]byte, *zk.Stat, error)
	State() zk.State
	Close()
}

// Endpoint is what a server publishes about itself.
type Endpoint struct {
	Addr     string `json:"addr"`
	Instance string `json:"instance"`
}

type ZKRegistry struct {
	conn     iConn
	rootPath string
}

// NewZKRegistry connects to servers, e.g. ["zk1:2181", "zk2:2181"].
func NewZKRegistry(servers []string, rootPath string, sessionTimeout time.Duration) (*ZKRegistry, error) {
	conn, _, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return newRegistry(conn, rootPath), nil
}

func newRegistry(conn iConn, rootPath string) *ZKRegistry {
	return &ZKRegistry{
		conn:     conn,
		rootPath: strings.TrimRight(rootPath, "/"),
	}
}

func (r *ZKRegistry) Close() error {
	r.conn.Close()
	return nil
}

func (r *ZKRegistry) serversPath() string {
	return r.rootPath + "/" + serversNode
}

func (r *ZKRegistry) ensurePath(path string) error {
	parts := strings.Split(path, "/")
	cur := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := r.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = r.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

// Register publishes ep as an ephemeral sequential node. The node goes away
// with the session.
func (r *ZKRegistry) Register(ctx context.Context, ep Endpoint) (string, error) {
	if err := r.waitConnected(ctx); err != nil {
		return "", err
	}
	if err := r.ensurePath(r.serversPath()); err != nil {
		return "", fmt.Errorf("ensure servers path: %w", err)
	}

	data, err := json.Marshal(ep)
	if err != nil {
		return "", err
	}

	path, err := r.conn.Create(r.serversPath()+"/"+nodePrefix, data, zk.FlagEphemeral|zk.FlagSequence, zk.WorldACL(zk.PermAll))
	if err != nil {
		return "", fmt.Errorf("create ephemeral node: %w", err)
	}

	slog.Info("registered in zookeeper", "path", path, "addr", ep.Addr, "instance", ep.Instance)
	return path, nil
}

// Lookup returns the longest-registered live server.
func (r *ZKRegistry) Lookup(ctx context.Context) (Endpoint, error) {
	if err := r.waitConnected(ctx); err != nil {
		return Endpoint{}, err
	}
	children, _, err := r.conn.Children(r.serversPath())
	if err != nil {
		if errors.Is(err, zk.ErrNoNode) {
			return Endpoint{}, ErrNoServer
		}
		return Endpoint{}, fmt.Errorf("zk children: %w", err)
	}
	return r.pick(children)
}

// Watch calls onChange with the current server every time the set of
// registered servers changes, until ctx is done.
func (r *ZKRegistry) Watch(ctx context.Context, onChange func(Endpoint)) {
	for {
		children, _, ch, err := r.conn.ChildrenW(r.serversPath())
		if err != nil {
			slog.Warn("zk watch failed", "path", r.serversPath(), "error", err)
			select {
			case <-time.After(2 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		if ep, err := r.pick(children); err == nil {
			onChange(ep)
		} else {
			slog.Warn("no usable aggregation server", "error", err)
		}

		select {
		case ev := <-ch:
			slog.Debug("zk event", "type", ev.Type, "path", ev.Path)
		case <-ctx.Done():
			return
		}
	}
}

// pick reads the node with the lowest sequence number.
func (r *ZKRegistry) pick(children []string) (Endpoint, error) {
	var nodes []string
	for _, c := range children {
		if strings.HasPrefix(c, nodePrefix) {
			nodes = append(nodes, c)
		}
	}
	if len(nodes) == 0 {
		return Endpoint{}, ErrNoServer
	}
	sort.Strings(nodes)

	data, _, err := r.conn.Get(r.serversPath() + "/" + nodes[0])
	if err != nil {
		return Endpoint{}, fmt.Errorf("zk get %s: %w", nodes[0], err)
	}
	var ep Endpoint
	if err := json.Unmarshal(data, &ep); err != nil {
		return Endpoint{}, fmt.Errorf("decode endpoint %s: %w", nodes[0], err)
	}
	return ep, nil
}

func (r *ZKRegistry) waitConnected(ctx context.Context) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		st := r.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("zk: not connected, state=%v: %w", st, ctx.Err())
		case <-ticker.C:
		}
	}
}
