package main

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Origin      string   `yaml:"origin"`
	Port        int      `yaml:"port"`
	CacheName   string   `yaml:"cacheName"`
	CoreAssets  []string `yaml:"coreAssets"`
	BypassHosts []string `yaml:"bypassHosts"`
	Provider    string   `yaml:"provider"`
	DB          string   `yaml:"db"`
	Redis       string   `yaml:"redis"`
	CacheStatus *bool    `yaml:"cacheStatus"`
	IgnoreVary  bool     `yaml:"ignoreVary"`
}

func getConfig(filename string) (Config, error) {
	var config Config
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}
