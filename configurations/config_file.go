package configurations

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type fileConfig struct {
	ConnectionConfig `yaml:",inline"`
	DSN              string `yaml:"dsn"`
	Holdability      string `yaml:"holdability"`
	QueryTimeout     int    `yaml:"query_timeout_seconds"`
}

// LoadConfigFile reads connection settings from a yaml file. A dsn entry
// in the file is applied last so url options win over plain keys.
//
//	server: {addr: db.local, port: 1527}
//	database: sample
//	statement_cache_size: 50
//	lob_release: true
//	holdability: CLOSE
//	dsn: drda://app@db.local:1527/sample?TRACE FILE=/tmp/drda.trc
func LoadConfigFile(path string) (*ConnectionConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}
	return ParseConfigYAML(data)
}

func ParseConfigYAML(data []byte) (*ConnectionConfig, error) {
	file := fileConfig{ConnectionConfig: *newDefaultConfig()}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrap(err, "parse config file")
	}
	config := file.ConnectionConfig
	if len(file.Holdability) > 0 {
		h, err := parseHoldability(file.Holdability)
		if err != nil {
			return nil, err
		}
		config.Holdability = h
	}
	if file.QueryTimeout > 0 {
		config.QueryTimeout = time.Duration(file.QueryTimeout) * time.Second
	}
	if len(file.DSN) > 0 {
		if err := config.MergeDSN(file.DSN); err != nil {
			return nil, errors.Wrap(err, "config file dsn")
		}
	}
	return &config, nil
}
