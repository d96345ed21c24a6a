package subscribe

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	gojwt "github.com/golang-jwt/jwt/v5"
	"gopkg.in/yaml.v3"
)

const DefaultSqlPort = 6875
const DefaultDatabase = "materialize"
const WebsocketPath = "/api/experimental/sql"

type Auth struct {
	User     string `yaml:"user" env:"MZ_USER"`
	Password string `yaml:"password" env:"MZ_PASSWORD"`
}

// connection target and credentials
// resolved once, before a session or subscriber is created
type Config struct {
	Auth Auth   `yaml:"auth"`
	Host string `yaml:"host" env:"MZ_HOST"`
	// replaces the direct target for the websocket
	// used verbatim when it has a scheme, e.g. `ws://localhost:8080/api/experimental/sql`
	Proxy   string `yaml:"proxy" env:"MZ_PROXY"`
	SqlPort int    `yaml:"sql_port" env:"MZ_SQL_PORT"`
}

func LoadConfigFile(path string) (*Config, error) {
	configBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, configurationErrorf("read %s: %s", path, err)
	}
	config := &Config{}
	if err := yaml.Unmarshal(configBytes, config); err != nil {
		return nil, configurationErrorf("parse %s: %s", path, err)
	}
	return config, nil
}

// overrides fields that are set in the environment
func (self *Config) ParseEnv() error {
	if err := env.Parse(self); err != nil {
		return configurationErrorf("parse env: %s", err)
	}
	return nil
}

// fails fast on missing fields
// when the password is a jwt, an expired token fails and an empty user
// is filled in from the token `email` claim
func (self *Config) Validate() error {
	if claims, ok := parsePasswordToken(self.Auth.Password); ok {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			if !exp.Time.After(time.Now()) {
				return configurationErrorf("password token expired at %s", exp.Time.Format(time.RFC3339))
			}
		}
		if self.Auth.User == "" {
			if email, ok := claims["email"].(string); ok {
				self.Auth.User = email
			}
		}
	}

	missing := []string{}
	if self.Host == "" && self.Proxy == "" {
		missing = append(missing, "host")
	}
	if self.Auth.User == "" {
		missing = append(missing, "user")
	}
	if self.Auth.Password == "" {
		missing = append(missing, "password")
	}
	if 0 < len(missing) {
		return configurationErrorf("missing config fields: %s", strings.Join(missing, ", "))
	}
	if self.SqlPort < 0 || 65535 < self.SqlPort {
		return configurationErrorf("bad sql port %d", self.SqlPort)
	}
	return nil
}

func parsePasswordToken(password string) (gojwt.MapClaims, bool) {
	if strings.Count(password, ".") != 2 {
		return nil, false
	}
	claims := gojwt.MapClaims{}
	_, _, err := gojwt.NewParser().ParseUnverified(password, claims)
	if err != nil {
		return nil, false
	}
	return claims, true
}

func (self *Config) WebsocketUrl() string {
	if self.Proxy != "" {
		if strings.Contains(self.Proxy, "://") {
			return self.Proxy
		}
		return fmt.Sprintf("wss://%s%s", self.Proxy, WebsocketPath)
	}
	return fmt.Sprintf("wss://%s%s", self.Host, WebsocketPath)
}

// pgwire connection string for the one-shot query path
func (self *Config) ConnString() string {
	port := self.SqlPort
	if port == 0 {
		port = DefaultSqlPort
	}
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(self.Auth.User, self.Auth.Password),
		Host:     net.JoinHostPort(self.Host, strconv.Itoa(port)),
		Path:     "/" + DefaultDatabase,
		RawQuery: "sslmode=require",
	}
	return u.String()
}

func (self *Config) AuthMessage() *AuthMessage {
	return &AuthMessage{
		User:     self.Auth.User,
		Password: self.Auth.Password,
	}
}

// what to subscribe to
type Query struct {
	Sql string `yaml:"sql"`
	// key columns. when empty or when a column is missing from the schema,
	// rows are keyed by their full content
	Key     []string `yaml:"key"`
	Cluster string   `yaml:"cluster"`
	// suppress the initial full snapshot
	NoSnapshot bool `yaml:"no_snapshot"`
}

func (self *Query) Validate() error {
	if strings.TrimSpace(self.Sql) == "" {
		return configurationErrorf("missing query sql")
	}
	return nil
}
