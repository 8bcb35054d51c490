package session

import (
	"errors"
	"math/rand"
	"testing"
	"time"
)

func TestWithDefaultsFillsZeroFields(t *testing.T) {
	cfg := Config{}.WithDefaults()
	def := DefaultConfig()
	if cfg.ConnectTimeout != def.ConnectTimeout {
		t.Fatalf("connect timeout not defaulted: %v", cfg.ConnectTimeout)
	}
	if cfg.ReadBufferBytes != def.ReadBufferBytes {
		t.Fatalf("read buffer not defaulted: %d", cfg.ReadBufferBytes)
	}
	if cfg.MaxConnectAttempts != 1 {
		t.Fatalf("max attempts not defaulted: %d", cfg.MaxConnectAttempts)
	}
	if cfg.SecurityMode != SecurityModeDevelopment {
		t.Fatalf("security mode not defaulted: %q", cfg.SecurityMode)
	}
}

func TestWithDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := Config{
		ConnectTimeout:     time.Second,
		MaxConnectAttempts: -1,
		SecurityMode:       SecurityModeProduction,
	}.WithDefaults()
	if cfg.ConnectTimeout != time.Second {
		t.Fatalf("explicit connect timeout clobbered: %v", cfg.ConnectTimeout)
	}
	if cfg.MaxConnectAttempts != -1 {
		t.Fatalf("unbounded attempts clobbered: %d", cfg.MaxConnectAttempts)
	}
	if cfg.SecurityMode != SecurityModeProduction {
		t.Fatalf("security mode clobbered: %q", cfg.SecurityMode)
	}
}

func TestValidateTransport(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want error
	}{
		{
			name: "development plain tcp",
			cfg:  Config{SecurityMode: SecurityModeDevelopment},
		},
		{
			name: "production requires tls",
			cfg:  Config{SecurityMode: SecurityModeProduction},
			want: ErrTLSRequired,
		},
		{
			name: "production rejects insecure skip",
			cfg: Config{
				SecurityMode: SecurityModeProduction,
				TLS:          TLSConfig{Enabled: true, InsecureSkipVerify: true},
			},
			want: ErrTLSInsecureSkipNotAllow,
		},
		{
			name: "tls needs ca unless insecure",
			cfg: Config{
				SecurityMode: SecurityModeDevelopment,
				TLS:          TLSConfig{Enabled: true},
			},
			want: ErrTLSCAFileRequired,
		},
		{
			name: "tls insecure skips ca check",
			cfg: Config{
				SecurityMode: SecurityModeDevelopment,
				TLS:          TLSConfig{Enabled: true, InsecureSkipVerify: true},
			},
		},
		{
			name: "mutual requires enabled",
			cfg: Config{
				SecurityMode: SecurityModeDevelopment,
				TLS:          TLSConfig{Mutual: true},
			},
			want: ErrTLSRequired,
		},
		{
			name: "mutual requires cert file",
			cfg: Config{
				SecurityMode: SecurityModeDevelopment,
				TLS:          TLSConfig{Enabled: true, Mutual: true, CAFile: "ca.crt"},
			},
			want: ErrTLSCertFileRequired,
		},
		{
			name: "mutual requires key file",
			cfg: Config{
				SecurityMode: SecurityModeDevelopment,
				TLS:          TLSConfig{Enabled: true, Mutual: true, CAFile: "ca.crt", CertFile: "c.crt"},
			},
			want: ErrTLSKeyFileRequired,
		},
		{
			name: "unknown mode rejected",
			cfg:  Config{SecurityMode: "paranoid"},
			want: ErrInvalidSecurityMode,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.ValidateTransport()
			if tc.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	b := BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     time.Second,
	}
	if got := b.Delay(1, nil); got != 100*time.Millisecond {
		t.Fatalf("attempt 1: %v", got)
	}
	if got := b.Delay(2, nil); got != 200*time.Millisecond {
		t.Fatalf("attempt 2: %v", got)
	}
	if got := b.Delay(3, nil); got != 400*time.Millisecond {
		t.Fatalf("attempt 3: %v", got)
	}
	if got := b.Delay(10, nil); got != time.Second {
		t.Fatalf("delay not capped: %v", got)
	}
}

func TestBackoffDelayJitterBounds(t *testing.T) {
	b := BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     time.Second,
		Jitter:       true,
	}
	rng := rand.New(rand.NewSource(1))
	for attempt := 2; attempt <= 8; attempt++ {
		got := b.Delay(attempt, rng)
		raw := 100 * time.Millisecond << (attempt - 1)
		if raw > time.Second {
			raw = time.Second
		}
		lo, hi := raw/2, raw+raw/2
		if got < lo || got > hi {
			t.Fatalf("attempt %d: %v outside [%v, %v]", attempt, got, lo, hi)
		}
	}
}
