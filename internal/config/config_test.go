package config

import (
	"testing"

	"github.com/hsuehic/anyproxy/internal/perror"
)

func TestValidate_MissingListen(t *testing.T) {
	c := defaultConfig
	c.Proxy.Listen = ""
	err := c.Validate(true, true)
	if perror.KindOf(err) != perror.ConfigInvalid {
		t.Fatalf("expected ConfigInvalid, got %v", err)
	}
}

func TestValidate_HTTPSRequiresHostname(t *testing.T) {
	c := defaultConfig
	c.Proxy.Type = TypeHTTPS
	c.Proxy.Hostname = ""
	err := c.Validate(true, true)
	if perror.KindOf(err) != perror.ConfigInvalid {
		t.Fatalf("expected ConfigInvalid, got %v", err)
	}
}

func TestValidate_ForceHttpsRequiresCA(t *testing.T) {
	c := defaultConfig
	c.Proxy.ForceProxyHttps = true
	err := c.Validate(true, false)
	if perror.KindOf(err) != perror.ConfigInvalid {
		t.Fatalf("expected ConfigInvalid, got %v", err)
	}
}

func TestValidate_RecorderRequired(t *testing.T) {
	c := defaultConfig
	err := c.Validate(false, true)
	if perror.KindOf(err) != perror.ConfigInvalid {
		t.Fatalf("expected ConfigInvalid, got %v", err)
	}
}

func TestValidate_OK(t *testing.T) {
	c := defaultConfig
	if err := c.Validate(true, true); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}
