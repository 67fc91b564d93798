package main

import (
	"testing"

	"github.com/zulandar/switchboard/internal/config"
)

func TestBuildAdapterPerType(t *testing.T) {
	cases := []config.ChannelConfig{
		{Name: "tg", Type: config.ChannelTelegram, Token: "123:abc"},
		{Name: "dc", Type: config.ChannelDiscord, Token: "bot-tok"},
		{Name: "sl", Type: config.ChannelSlack, Token: "xoxb-1", AppToken: "xapp-1"},
	}
	for _, ch := range cases {
		adapter, err := buildAdapter(ch, nil, nil)
		if err != nil {
			t.Errorf("%s: %v", ch.Type, err)
			continue
		}
		if adapter.Name() != ch.Name {
			t.Errorf("%s: Name() = %q", ch.Type, adapter.Name())
		}
	}
}

func TestBuildAdapterUnknownType(t *testing.T) {
	_, err := buildAdapter(config.ChannelConfig{Name: "x", Type: "irc"}, nil, nil)
	if err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestPickChannel(t *testing.T) {
	cfg := &config.Config{Channels: []config.ChannelConfig{
		{Name: "tg", Type: config.ChannelTelegram},
		{Name: "work", Type: config.ChannelSlack},
	}}

	ch, err := pickChannel(cfg, "")
	if err != nil || ch.Name != "tg" {
		t.Errorf("default pick = %+v, %v", ch, err)
	}
	ch, err = pickChannel(cfg, "work")
	if err != nil || ch.Name != "work" {
		t.Errorf("named pick = %+v, %v", ch, err)
	}
	if _, err = pickChannel(cfg, "nope"); err == nil {
		t.Error("expected error for unknown channel")
	}
	if _, err = pickChannel(&config.Config{}, ""); err == nil {
		t.Error("expected error for empty config")
	}
}
