package tunnel

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/stakewatch/warden/pkg/config"
	"github.com/stakewatch/warden/pkg/types"
)

// sftpTarget replicates sealed records to a relay host over the
// tunnel's SSH connection. It stays valid across reconnects; while the
// tunnel is down every transfer fails fast and the backup manager
// marks the target pending.
type sftpTarget struct {
	tunnel *Tunnel
	relay  config.Relay
}

func newSFTPTarget(tunnel *Tunnel, relay config.Relay) *sftpTarget {
	return &sftpTarget{tunnel: tunnel, relay: relay}
}

func (s *sftpTarget) Host() string {
	return s.relay.Host
}

func (s *sftpTarget) Reachable() bool {
	return s.tunnel.Info().State == types.TunnelConnected
}

// remotePath resolves the replica location. An empty backup dir means
// the relay account's home directory.
func (s *sftpTarget) remotePath(name string) string {
	if s.relay.BackupDir == "" {
		return name
	}
	return path.Join(s.relay.BackupDir, name)
}

// Upload writes the sealed record, then renames into place so a
// half-written replica is never mistaken for a complete one.
func (s *sftpTarget) Upload(ctx context.Context, name string, data []byte) error {
	conn := s.tunnel.connection()
	if conn == nil {
		return types.Classifyf(types.KindTransient, "tunnel to %s is down", s.relay.Host)
	}

	client, err := conn.SFTP()
	if err != nil {
		return fmt.Errorf("opening sftp session to %s: %w", s.relay.Host, err)
	}
	defer client.Close()

	dst := s.remotePath(name)
	tmp := dst + ".tmp"

	f, err := client.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating %s on %s: %w", tmp, s.relay.Host, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = client.Remove(tmp)
		return fmt.Errorf("writing replica to %s: %w", s.relay.Host, err)
	}
	if err := f.Close(); err != nil {
		_ = client.Remove(tmp)
		return fmt.Errorf("closing replica on %s: %w", s.relay.Host, err)
	}

	// PosixRename overwrites atomically where the server supports it.
	if err := client.PosixRename(tmp, dst); err != nil {
		_ = client.Remove(dst)
		if err := client.Rename(tmp, dst); err != nil {
			_ = client.Remove(tmp)
			return fmt.Errorf("renaming replica on %s: %w", s.relay.Host, err)
		}
	}
	return nil
}

// Download fetches the sealed replica. The caller verifies and
// version-checks it; the transport trusts nothing.
func (s *sftpTarget) Download(ctx context.Context, name string) ([]byte, error) {
	conn := s.tunnel.connection()
	if conn == nil {
		return nil, types.Classifyf(types.KindTransient, "tunnel to %s is down", s.relay.Host)
	}

	client, err := conn.SFTP()
	if err != nil {
		return nil, fmt.Errorf("opening sftp session to %s: %w", s.relay.Host, err)
	}
	defer client.Close()

	f, err := client.Open(s.remotePath(name))
	if err != nil {
		return nil, fmt.Errorf("opening replica on %s: %w", s.relay.Host, err)
	}
	defer f.Close()

	return io.ReadAll(f)
}
