package credentials

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"icotes-hop/pkg/hopconfig"
)

// ImportResult summarises an ImportConfig run.
type ImportResult struct {
	Created []Credential
	Updated []Credential
	// Skipped maps a Host alias to the reason it was not imported.
	Skipped map[string]string
}

// ImportConfig upserts one credential per effective config entry, matching
// existing credentials by name. Entries must validate first; the returned
// error carries the validation result when they do not.
func (s *Store) ImportConfig(entries []hopconfig.Entry) (ImportResult, error) {
	out := ImportResult{Skipped: map[string]string{}}
	if res := hopconfig.Validate(entries, s.keysDir); !res.Valid() {
		return out, &ImportError{Result: res}
	}
	for _, e := range hopconfig.Effective(entries) {
		if strings.EqualFold(e.Host, hopconfig.LocalHost) {
			out.Skipped[e.Host] = "reserved for the local context"
			continue
		}
		f, err := fieldsFromEntry(e)
		if err != nil {
			out.Skipped[e.Host] = err.Error()
			continue
		}
		existing, err := s.FindByName(f.Name)
		if err != nil {
			return out, err
		}
		if len(existing) == 0 {
			c, err := s.Create(f)
			if err != nil {
				if errors.Is(err, ErrInvalidCredential) {
					out.Skipped[e.Host] = err.Error()
					continue
				}
				return out, err
			}
			out.Created = append(out.Created, c)
			continue
		}
		c, err := s.Update(existing[0].ID, Patch{
			Host:         &f.Host,
			Port:         &f.Port,
			Username:     &f.Username,
			AuthMethod:   &f.AuthMethod,
			IdentityFile: &f.IdentityFile,
		})
		if err != nil {
			if errors.Is(err, ErrInvalidCredential) {
				out.Skipped[e.Host] = err.Error()
				continue
			}
			return out, err
		}
		out.Updated = append(out.Updated, c)
	}
	return out, nil
}

// ImportError is returned when the config handed to ImportConfig has
// validation errors.
type ImportError struct {
	Result hopconfig.Result
}

func (e *ImportError) Error() string {
	if len(e.Result.Errors) == 0 {
		return "import hop config: invalid"
	}
	return fmt.Sprintf("import hop config: %d validation error(s), first: %s", len(e.Result.Errors), e.Result.Errors[0])
}

func (e *ImportError) Unwrap() error { return ErrInvalidCredential }

func fieldsFromEntry(e hopconfig.Entry) (Fields, error) {
	f := Fields{
		Name:         e.Host,
		Host:         e.HostName,
		Username:     e.User,
		IdentityFile: e.IdentityFile,
	}
	if f.Host == "" {
		f.Host = e.Host
	}
	if e.Port != "" {
		p, err := hopconfig.ParsePort(e.Port)
		if err != nil {
			return Fields{}, err
		}
		f.Port = p
	}
	switch {
	case e.IcotesAuth != "":
		auth, _ := hopconfig.NormalizeAuth(e.IcotesAuth)
		f.AuthMethod = auth
	case e.IdentityFile != "":
		f.AuthMethod = AuthPrivateKey
	default:
		f.AuthMethod = AuthPassword
	}
	return f, nil
}

// ExportConfig renders stored credentials as config entries, one per
// credential in store order. Whitespace in names becomes '-' so each name
// stays a single Host alias.
func (s *Store) ExportConfig() ([]hopconfig.Entry, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	out := make([]hopconfig.Entry, 0, len(all))
	for _, c := range all {
		e := hopconfig.Entry{
			Host:         strings.Join(strings.Fields(c.Label()), "-"),
			HostName:     c.Host,
			User:         c.Username,
			IdentityFile: c.IdentityFile,
			IcotesAuth:   c.AuthMethod,
		}
		if c.Port != 0 && c.Port != DefaultPort {
			e.Port = strconv.Itoa(c.Port)
		}
		out = append(out, e)
	}
	return out, nil
}

// Validate runs the config validator over the stored credentials. Two
// credentials sharing a name show up as a duplicate Host warning.
func (s *Store) Validate() (hopconfig.Result, error) {
	entries, err := s.ExportConfig()
	if err != nil {
		return hopconfig.Result{}, err
	}
	return hopconfig.Validate(entries, s.keysDir), nil
}
