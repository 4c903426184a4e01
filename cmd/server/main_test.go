package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"dairyfarm/backend/internal/config"
)

func TestBuildSinksSkipsUnreachableArchives(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	cfg := config.Config{
		Mongo: config.MongoConfig{
			URI:    "mongodb://127.0.0.1:1/?serverSelectionTimeoutMS=50&connectTimeoutMS=50",
			DBName: "dairyfarm_test",
		},
		SMTP: config.SMTPConfig{
			Host:        "smtp.example.com",
			Port:        "587",
			Username:    "farm",
			Password:    "pw",
			FromEmail:   "farm@example.com",
			ReportEmail: "owner@example.com",
		},
	}

	sinks, closeSinks := buildSinks(cfg, zap.New(core))
	defer closeSinks()

	require.Len(t, sinks, 1)
	assert.Equal(t, "email", sinks[0].Name())
	assert.Equal(t, 1, logs.FilterMessage("mongodb archive disabled").Len())
	assert.Equal(t, 1, logs.FilterMessage("archive sink enabled").Len())
}

func TestBuildSinksNothingConfigured(t *testing.T) {
	sinks, closeSinks := buildSinks(config.Config{}, zap.NewNop())
	defer closeSinks()
	assert.Empty(t, sinks)
}
