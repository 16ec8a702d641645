package quechohelper

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"git.sr.ht/~rumpelsepp/quecho"
)

// LoadPinnedFingerprints reads a file of pinned fingerprints and returns a
// map of alias to fingerprint. Empty lines and lines starting with "#" are
// skipped, as are lines that do not parse. Each line looks like:
//
//	ni:///sha3-256;<value>	<alias>
func LoadPinnedFingerprints(path string) (map[string]*quecho.Fingerprint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", quecho.ErrStorage, err)
	}
	defer file.Close()

	return parsePinnedFingerprints(file)
}

func parsePinnedFingerprints(r io.Reader) (map[string]*quecho.Fingerprint, error) {
	m := make(map[string]*quecho.Fingerprint)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 2 {
			Logger.Debug().Str("line", line).Msg("ignoring malformed pin")
			continue
		}
		fp, err := quecho.FingerprintFromNIString(fields[0])
		if err != nil {
			Logger.Debug().Str("line", line).Err(err).Msg("ignoring malformed pin")
			continue
		}

		m[fields[1]] = fp
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", quecho.ErrStorage, err)
	}

	return m, nil
}

// AddPinnedFingerprint appends fingerprint under alias to the file at path,
// creating it if needed. Neither alias nor fingerprint may be present yet.
func AddPinnedFingerprint(path string, fingerprint *quecho.Fingerprint, alias string) error {
	if strings.ContainsAny(alias, " \t\n") || alias == "" {
		return fmt.Errorf("invalid alias %q", alias)
	}

	if pins, err := LoadPinnedFingerprints(path); err == nil {
		for k, v := range pins {
			if k == alias {
				return fmt.Errorf("alias '%s' exists", alias)
			}
			if quecho.FingerprintIsEqual(v, fingerprint) {
				return fmt.Errorf("fingerprint '%s' exists", fingerprint)
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("%w: %w", quecho.ErrStorage, err)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return fmt.Errorf("%w: %w", quecho.ErrStorage, err)
	}
	defer file.Close()

	// Keep the file line oriented even if someone removed the last newline.
	if info, err := file.Stat(); err == nil && info.Size() > 0 {
		buf := make([]byte, 1)
		if _, err := file.ReadAt(buf, info.Size()-1); err != nil {
			return fmt.Errorf("%w: %w", quecho.ErrStorage, err)
		}
		if buf[0] != '\n' {
			if _, err := file.WriteAt([]byte("\n"), info.Size()); err != nil {
				return fmt.Errorf("%w: %w", quecho.ErrStorage, err)
			}
		}
	}

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("%w: %w", quecho.ErrStorage, err)
	}
	if _, err := fmt.Fprintf(file, "%s\t%s\n", fingerprint, alias); err != nil {
		return fmt.Errorf("%w: %w", quecho.ErrStorage, err)
	}

	Logger.Debug().Str("alias", alias).Stringer("fingerprint", fingerprint).Msg("pinned fingerprint")

	return nil
}
