package main

import (
	"os"
	"reflect"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/utilitywarehouse/repo-mirror/credential"
	"github.com/utilitywarehouse/repo-mirror/internal/utils"
	"github.com/utilitywarehouse/repo-mirror/repopool"
	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"
)

var (
	configSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "repo_mirror_config_last_load_successful",
		Help: "Whether the last configuration load attempt was successful.",
	})
	configSuccessTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "repo_mirror_config_last_load_success_timestamp_seconds",
		Help: "Timestamp of the last successful configuration load.",
	})
)

// loadConfig parses, validates and applies defaults to the settings file.
// an empty path returns the default config.
func loadConfig(path string) (*repopool.Config, error) {
	conf, err := parseConfigFile(path)
	if err == nil {
		err = conf.ValidateAndApplyDefaults()
	}
	if err != nil {
		configSuccess.Set(0)
		return nil, err
	}

	configSuccess.Set(1)
	configSuccessTime.SetToCurrentTime()
	return conf, nil
}

func parseConfigFile(path string) (*repopool.Config, error) {
	conf := &repopool.Config{}
	if path == "" {
		return conf, nil
	}

	yamlFile, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read config file")
	}

	if err := validateConfig(yamlFile); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(yamlFile, conf); err != nil {
		return nil, errors.Wrap(err, "unable to parse config file")
	}

	return conf, nil
}

func validateConfig(yamlData []byte) error {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(yamlData, &raw); err != nil {
		return errors.Wrap(err, "unable to parse config file")
	}

	// check config sections for unexpected keys
	allowedRepoPoolConfig := getAllowedKeys(repopool.Config{})
	if key := findUnexpectedKey(raw, allowedRepoPoolConfig); key != "" {
		return errors.Newf("unexpected key: .%v", key)
	}

	// all sections are optional
	if raw["defaults"] == nil {
		return nil
	}

	// check "defaults" section
	defaultsMap, ok := raw["defaults"].(map[string]interface{})
	if !ok {
		return errors.New("defaults section is not valid")
	}
	allowedDefaults := getAllowedKeys(repopool.DefaultConfig{})

	if key := findUnexpectedKey(defaultsMap, allowedDefaults); key != "" {
		return errors.Newf("unexpected key: .defaults.%v", key)
	}

	// check "auth" section in "defaults"
	if authMap, ok := defaultsMap["auth"].(map[string]interface{}); ok {
		allowedAuthKeys := getAllowedKeys(repopool.Auth{})
		if key := findUnexpectedKey(authMap, allowedAuthKeys); key != "" {
			return errors.Newf("unexpected key: .defaults.auth.%v", key)
		}
	}

	return nil
}

// getAllowedKeys retrieves a list of allowed keys from the specified struct
func getAllowedKeys(config interface{}) []string {
	var allowedKeys []string
	val := reflect.ValueOf(config)
	typ := reflect.TypeOf(config)

	for i := 0; i < val.NumField(); i++ {
		field := typ.Field(i)
		yamlTag := field.Tag.Get("yaml")
		if yamlTag != "" {
			allowedKeys = append(allowedKeys, yamlTag)
		}
	}
	return allowedKeys
}

func findUnexpectedKey(raw map[string]interface{}, allowedKeys []string) string {
	for key := range raw {
		if !slices.Contains(allowedKeys, key) {
			return key
		}
	}

	return ""
}

// newCredentials returns the SSH identity provider for the configured
// auth. Host keys of every connection are checked with given callback.
func newCredentials(auth repopool.Auth, hostKeyCallback ssh.HostKeyCallback) (*credential.Provider, error) {
	keyPath := auth.SSHKeyPath
	if keyPath == "" {
		var err error
		if keyPath, err = credential.DefaultKeyPath(); err != nil {
			return nil, err
		}
	}

	keyPath, err := utils.ExpandHome(keyPath)
	if err != nil {
		return nil, err
	}

	var passphrase []byte
	if auth.SSHKeyPassphraseEnv != "" {
		passphrase = []byte(os.Getenv(auth.SSHKeyPassphraseEnv))
	}

	return credential.New(keyPath, auth.SSHUser, passphrase).WithHostKeyCallback(hostKeyCallback), nil
}
