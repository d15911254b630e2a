// Minefleet - Minecraft Server Fleet Supervisor
// Copyright 2026 Minefleet Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/minefleet/minefleet

package minecraft

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/minefleet/minefleet/internal/models"
)

// PropertiesFileName is the Minecraft server configuration file name.
const PropertiesFileName = "server.properties"

// Properties is a parsed server.properties file. Comment and blank lines are
// preserved in their original positions; Set updates in place or appends.
type Properties struct {
	lines []propLine
}

type propLine struct {
	raw   string // verbatim line for comments/blanks
	key   string
	value string
	kv    bool
}

// LoadProperties parses a server.properties file. A missing file yields an
// empty, writable Properties.
func LoadProperties(path string) (*Properties, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Properties{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseProperties(string(data)), nil
}

// ParseProperties parses properties text. CRLF line endings are tolerated.
func ParseProperties(text string) *Properties {
	p := &Properties{}
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimRight(raw, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "!") {
			p.lines = append(p.lines, propLine{raw: line})
			continue
		}
		eq := strings.Index(line, "=")
		if eq < 0 {
			p.lines = append(p.lines, propLine{raw: line})
			continue
		}
		p.lines = append(p.lines, propLine{
			key:   strings.TrimSpace(line[:eq]),
			value: strings.TrimSpace(line[eq+1:]),
			kv:    true,
		})
	}
	// Drop a trailing blank produced by the final newline.
	if n := len(p.lines); n > 0 && !p.lines[n-1].kv && p.lines[n-1].raw == "" {
		p.lines = p.lines[:n-1]
	}
	return p
}

// Get returns the value for key and whether it is present.
func (p *Properties) Get(key string) (string, bool) {
	for _, l := range p.lines {
		if l.kv && l.key == key {
			return l.value, true
		}
	}
	return "", false
}

// GetBool returns a boolean property, defaulting to false when absent or
// malformed.
func (p *Properties) GetBool(key string) bool {
	v, ok := p.Get(key)
	return ok && strings.EqualFold(v, "true")
}

// GetInt returns an integer property and whether it parsed.
func (p *Properties) GetInt(key string) (int, bool) {
	v, ok := p.Get(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	return n, err == nil
}

// Set updates a key in place, or appends it.
func (p *Properties) Set(key, value string) {
	for i := range p.lines {
		if p.lines[i].kv && p.lines[i].key == key {
			p.lines[i].value = value
			return
		}
	}
	p.lines = append(p.lines, propLine{key: key, value: value, kv: true})
}

// Save writes the file atomically (temp file + rename).
func (p *Properties) Save(path string) error {
	var b strings.Builder
	for _, l := range p.lines {
		if l.kv {
			b.WriteString(l.key)
			b.WriteByte('=')
			b.WriteString(l.value)
		} else {
			b.WriteString(l.raw)
		}
		b.WriteByte('\n')
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("rename properties into place: %w", err)
	}
	return nil
}

// RconSettings is the RCON-relevant slice of server.properties.
type RconSettings struct {
	Enabled  bool
	Port     int
	Password string
}

// ReadRconSettings extracts the RCON settings from a server directory. The
// default RCON port applies when enable-rcon is set but rcon.port is not.
func ReadRconSettings(serverDir string) (RconSettings, error) {
	props, err := LoadProperties(filepath.Join(serverDir, PropertiesFileName))
	if err != nil {
		return RconSettings{}, err
	}
	s := RconSettings{Enabled: props.GetBool("enable-rcon")}
	if s.Enabled {
		s.Port = 25575
		if port, ok := props.GetInt("rcon.port"); ok {
			s.Port = port
		}
		s.Password, _ = props.Get("rcon.password")
	}
	return s, nil
}

// WriteServerProperties writes the initial server.properties for a new
// server. When rconAutoEnable is set, RCON is enabled on the game port + 10
// with a generated password; the resulting settings are returned either way.
func WriteServerProperties(srv *models.Server, rconAutoEnable bool) (RconSettings, error) {
	path := filepath.Join(srv.DirectoryPath, PropertiesFileName)
	props, err := LoadProperties(path)
	if err != nil {
		return RconSettings{}, err
	}

	props.Set("server-port", strconv.Itoa(srv.Port))
	props.Set("motd", srv.Name)
	if srv.MaxPlayers > 0 {
		props.Set("max-players", strconv.Itoa(srv.MaxPlayers))
	}

	var rcon RconSettings
	if rconAutoEnable {
		password, perr := generatePassword()
		if perr != nil {
			return RconSettings{}, perr
		}
		rcon = RconSettings{Enabled: true, Port: srv.Port + 10, Password: password}
		props.Set("enable-rcon", "true")
		props.Set("rcon.port", strconv.Itoa(rcon.Port))
		props.Set("rcon.password", rcon.Password)
	}

	if err := props.Save(path); err != nil {
		return RconSettings{}, err
	}
	return rcon, nil
}

// WriteEULA accepts the Minecraft EULA so the server boots unattended.
func WriteEULA(serverDir string) error {
	path := filepath.Join(serverDir, "eula.txt")
	if err := os.WriteFile(path, []byte("eula=true\n"), 0o644); err != nil {
		return fmt.Errorf("write eula: %w", err)
	}
	return nil
}

func generatePassword() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate rcon password: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
