// Feedgate
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Command feedgate serves a document repository to a search appliance.
// The repository is driven by an external adaptor command speaking the
// line protocol on stdout; everything else is configured through -D
// properties and an optional .properties file.
package main

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/feedgate/lib/cmdstream"
	"github.com/gravitational/feedgate/lib/config"
	"github.com/gravitational/feedgate/lib/defaults"
	"github.com/gravitational/feedgate/lib/service"
	"github.com/gravitational/feedgate/lib/web"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string) int {
	app := kingpin.New("feedgate", "Gateway between a document repository and a search appliance: pushes document ids as feeds and serves document content for crawling.")
	defines := app.Flag("define", "Set a configuration property, key=value. Repeatable. -Dadaptor.configfile selects the configuration file, -Dsys.properties.file loads additional properties.").
		Short('D').PlaceHolder("KEY=VALUE").StringMap()
	debug := app.Flag("debug", "Enable verbose logging.").Short('d').Bool()
	samlCert := app.Flag("saml-signing-cert", "PEM certificate for signing SAML messages.").String()
	samlKey := app.Flag("saml-signing-key", "PEM private key for signing SAML messages.").String()
	command := app.Arg("command", "Adaptor command; invoked with a role argument of lister, retriever or authorizer.").
		Required().Strings()
	if _, err := app.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return service.ExitInvalidConfiguration
	}

	logs := web.NewLogBuffer(defaults.LogBufferLines)
	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	primary := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(teeHandler{primary: primary, buffer: logs}))
	logger := slog.With("component", "feedgate")

	clock := clockwork.NewRealClock()
	cfg := config.NewDefaultConfig(clock)
	if err := loadConfiguration(cfg, *defines); err != nil {
		logger.Error("Invalid configuration.", "error", trace.UserMessage(err))
		return service.ExitInvalidConfiguration
	}

	signingCert, err := loadSigningCert(*samlCert, *samlKey)
	if err != nil {
		logger.Error("Cannot load the SAML signing key pair.", "error", trace.UserMessage(err))
		return service.ExitInvalidConfiguration
	}

	if err := installSensitiveCodec(cfg, *defines, signingCert); err != nil {
		logger.Error("Cannot set up sensitive value decoding.", "error", trace.UserMessage(err))
		return service.ExitInvalidConfiguration
	}

	adaptor, err := cmdstream.NewCommandAdaptor(cmdstream.CommandConfig{
		Lister:     roleCommand(*command, "lister"),
		Retriever:  roleCommand(*command, "retriever"),
		Authorizer: roleCommand(*command, "authorizer"),
	})
	if err != nil {
		logger.Error("Invalid adaptor command.", "error", trace.UserMessage(err))
		return service.ExitInvalidConfiguration
	}

	application, err := service.NewApplication(service.AppConfig{
		Adaptor:     adaptor,
		Config:      cfg,
		SigningCert: signingCert,
		Clock:       clock,
		LogBuffer:   logs,
	})
	if err != nil {
		logger.Error("Invalid configuration.", "error", trace.UserMessage(err))
		return service.ExitInvalidConfiguration
	}

	daemon := &service.Daemon{App: application, Logger: logger}
	return daemon.Run(ctx)
}

// loadConfiguration layers -D defines over the configuration file. The
// sys.properties.file contents apply first so explicit defines win, then
// the adaptor.configfile file layer, then the remaining defines on top.
func loadConfiguration(cfg *config.Config, defines map[string]string) error {
	if path := defines[config.KeySysPropertiesFile]; path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return trace.ConvertSystemError(err)
		}
		props, err := config.ParseProperties(bytes.NewReader(data))
		if err != nil {
			return trace.Wrap(err, "parsing %q", path)
		}
		for key, value := range props {
			if err := applyDefine(cfg, key, value); err != nil {
				return trace.Wrap(err)
			}
		}
	}
	if path := defines[config.KeyConfigFile]; path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return trace.Wrap(err, "loading %q", path)
		}
	}
	for key, value := range defines {
		if err := applyDefine(cfg, key, value); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// installSensitiveCodec wires decoding of obf: and pkc: tagged values
// into the configuration store. The obfuscation key lives next to the
// configuration file and is created on first use; pkc: values decrypt
// with the SAML signing key when it is RSA.
func installSensitiveCodec(cfg *config.Config, defines map[string]string, signingCert *tls.Certificate) error {
	var aesKey []byte
	if config.NeedsObfuscationKey(cfg.Snapshot()) {
		dir := "."
		if path := defines[config.KeyConfigFile]; path != "" {
			dir = filepath.Dir(path)
		}
		key, err := config.LoadOrCreateObfuscationKey(filepath.Join(dir, defaults.ObfuscationKeyFile))
		if err != nil {
			return trace.Wrap(err)
		}
		aesKey = key
	}
	var rsaKey *rsa.PrivateKey
	if signingCert != nil {
		if key, ok := signingCert.PrivateKey.(*rsa.PrivateKey); ok {
			rsaKey = key
		}
	}
	codec, err := config.NewSensitiveValueCodec(aesKey, rsaKey)
	if err != nil {
		return trace.Wrap(err)
	}
	cfg.SetSensitiveValueCodec(codec)
	return nil
}

// applyDefine sets an override, declaring the key first when the
// operator names one the registry has never seen.
func applyDefine(cfg *config.Config, key, value string) error {
	err := cfg.SetValue(key, value)
	if trace.IsNotFound(err) {
		if err := cfg.AddKey(key); err != nil {
			return trace.Wrap(err)
		}
		err = cfg.SetValue(key, value)
	}
	return trace.Wrap(err)
}

func loadSigningCert(certFile, keyFile string) (*tls.Certificate, error) {
	if certFile == "" && keyFile == "" {
		return nil, nil
	}
	if certFile == "" || keyFile == "" {
		return nil, trace.BadParameter("both --saml-signing-cert and --saml-signing-key are required")
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &cert, nil
}

// roleCommand appends the role argument to the configured adaptor
// command.
func roleCommand(base []string, role string) []string {
	return append(append([]string(nil), base...), role)
}

// teeHandler fans every record into the terminal handler and the
// dashboard ring buffer.
type teeHandler struct {
	primary slog.Handler
	buffer  *web.LogBuffer
}

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return t.primary.Enabled(ctx, level) || t.buffer.Enabled(ctx, level)
}

func (t teeHandler) Handle(ctx context.Context, record slog.Record) error {
	var err error
	if t.primary.Enabled(ctx, record.Level) {
		err = t.primary.Handle(ctx, record)
	}
	if t.buffer.Enabled(ctx, record.Level) {
		if berr := t.buffer.Handle(ctx, record); err == nil {
			err = berr
		}
	}
	return err
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return teeHandler{
		primary: t.primary.WithAttrs(attrs),
		buffer:  t.buffer.WithAttrs(attrs).(*web.LogBuffer),
	}
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	return teeHandler{
		primary: t.primary.WithGroup(name),
		buffer:  t.buffer,
	}
}
