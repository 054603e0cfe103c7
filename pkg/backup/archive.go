package backup

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/stakewatch/warden/pkg/types"
)

// Expected layout of a validator data directory:
//
//	slashing-protection.json                     EIP-3076 interchange records
//	validators/<0xPUBKEY>/keystore.json          EIP-2335 voting keystore
//	validators/<0xPUBKEY>/password.txt           keystore password
const (
	SlashingProtectionFile = "slashing-protection.json"
	validatorsDirName      = "validators"
)

var pubkeyRe = regexp.MustCompile(`^0x[0-9a-f]{96}$`)

// CheckDataDir validates that a validator data directory has the
// structure a backup must capture. Only missing files are detected;
// extraneous files are ignored.
func CheckDataDir(dir string) error {
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return types.Classifyf(types.KindSafetyCritical, "missing validator data directory %s", dir)
	}
	if _, err := os.Stat(filepath.Join(dir, SlashingProtectionFile)); err != nil {
		return types.Classifyf(types.KindSafetyCritical, "missing %s", SlashingProtectionFile)
	}

	validatorsDir := filepath.Join(dir, validatorsDirName)
	if fi, err := os.Stat(validatorsDir); err != nil || !fi.IsDir() {
		return types.Classifyf(types.KindSafetyCritical, "missing validators directory")
	}
	entries, err := os.ReadDir(validatorsDir)
	if err != nil {
		return fmt.Errorf("read validators directory: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() || !pubkeyRe.MatchString(e.Name()) {
			continue
		}
		vdir := filepath.Join(validatorsDir, e.Name())
		if _, err := os.Stat(filepath.Join(vdir, "keystore.json")); err != nil {
			return types.Classifyf(types.KindSafetyCritical, "missing keystore.json for %s", e.Name())
		}
		if _, err := os.Stat(filepath.Join(vdir, "password.txt")); err != nil {
			return types.Classifyf(types.KindSafetyCritical, "missing password.txt for %s", e.Name())
		}
	}
	return nil
}

// Pack archives the contents of rootDir into a gzip-compressed tar.
func Pack(rootDir string) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	err := filepath.Walk(rootDir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(rootDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		hdr, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !fi.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", rootDir, err)
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unpack extracts an archive produced by Pack into rootDir, refusing
// entries that would escape it.
func Unpack(data []byte, rootDir string) error {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("unpack: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("unpack: %w", err)
		}

		name := filepath.FromSlash(hdr.Name)
		if strings.Contains(name, "..") || filepath.IsAbs(name) {
			return fmt.Errorf("unpack: archive entry %q escapes root", hdr.Name)
		}
		target := filepath.Join(rootDir, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		default:
			// Symlinks and specials have no business in validator state.
			return fmt.Errorf("unpack: unsupported entry type %d for %q", hdr.Typeflag, hdr.Name)
		}
	}
}
