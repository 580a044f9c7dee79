package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

var (
	ErrEmptyConnectionString = errors.New("connection string is empty")
	ErrUnknownKey            = errors.New("unknown connection string key")
	ErrInvalidValue          = errors.New("invalid connection string value")
	ErrNoEndpoint            = errors.New("connection string has no endpoint")
)

// RabbitMQ 解析后的RabbitMQ连接参数
type RabbitMQ struct {
	Hosts             []string // host:port
	VirtualHost       string
	Username          string
	Password          string
	Secure            bool
	Prefetch          int
	Timeout           time.Duration
	Heartbeat         time.Duration
	PublisherConfirms bool
	Persistent        bool
	Product           string
}

// URL 第一个节点的amqp地址
func (r RabbitMQ) URL() string {
	return r.URLFor(0)
}

// URLFor 第i个节点的amqp地址，越界时取模
func (r RabbitMQ) URLFor(i int) string {
	host, port := "localhost", 5672
	if len(r.Hosts) > 0 {
		h, p, err := net.SplitHostPort(r.Hosts[i%len(r.Hosts)])
		if err == nil {
			host = h
			port, _ = strconv.Atoi(p)
		}
	}
	scheme := "amqp"
	if r.Secure {
		scheme = "amqps"
	}
	return amqp.URI{
		Scheme:   scheme,
		Host:     host,
		Port:     port,
		Username: r.Username,
		Password: r.Password,
		Vhost:    r.VirtualHost,
	}.String()
}

func defaultRabbitMQ() RabbitMQ {
	return RabbitMQ{
		VirtualHost: "/",
		Username:    "guest",
		Password:    "guest",
		Prefetch:    50,
		Timeout:     10 * time.Second,
		Heartbeat:   10 * time.Second,
		Persistent:  true,
		Product:     "orderbus",
	}
}

// ParseRabbitMQ 支持amqp://地址和 host=...;username=... 形式的连接串
func ParseRabbitMQ(s string) (RabbitMQ, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return RabbitMQ{}, ErrEmptyConnectionString
	}
	r := defaultRabbitMQ()
	if isAMQPURL(s) {
		if err := r.applyURL(s); err != nil {
			return RabbitMQ{}, err
		}
		return r, nil
	}

	port := 5672
	var hosts []string
	for _, kv := range splitPairs(s, ";") {
		key, val := kv[0], kv[1]
		var err error
		switch key {
		case "host":
			hosts = splitList(val)
		case "port":
			port, err = atoiPositive(key, val)
		case "virtualhost":
			r.VirtualHost = val
		case "username":
			r.Username = val
		case "password":
			r.Password = val
		case "prefetchcount":
			r.Prefetch, err = atoiPositive(key, val)
		case "timeout":
			r.Timeout, err = seconds(key, val)
		case "requestedheartbeat":
			r.Heartbeat, err = seconds(key, val)
		case "publisherconfirms":
			r.PublisherConfirms, err = parseBool(key, val)
		case "persistentmessages":
			r.Persistent, err = parseBool(key, val)
		case "product", "name":
			r.Product = val
		case "ssl":
			r.Secure, err = parseBool(key, val)
		case "amqp":
			err = r.applyURL(val)
		default:
			err = fmt.Errorf("%q: %w", key, ErrUnknownKey)
		}
		if err != nil {
			return RabbitMQ{}, err
		}
	}
	for _, h := range hosts {
		if _, _, err := net.SplitHostPort(h); err != nil {
			h = net.JoinHostPort(h, strconv.Itoa(port))
		}
		r.Hosts = append(r.Hosts, h)
	}
	if len(r.Hosts) == 0 {
		return RabbitMQ{}, ErrNoEndpoint
	}
	return r, nil
}

func isAMQPURL(s string) bool {
	return strings.HasPrefix(s, "amqp://") || strings.HasPrefix(s, "amqps://")
}

func (r *RabbitMQ) applyURL(s string) error {
	uri, err := amqp.ParseURI(s)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	r.Hosts = []string{net.JoinHostPort(uri.Host, strconv.Itoa(uri.Port))}
	r.Username = uri.Username
	r.Password = uri.Password
	r.VirtualHost = uri.Vhost
	r.Secure = uri.Scheme == "amqps"
	return nil
}

// ParseRedis 解析 host:port,password=...,defaultDatabase=0 形式的连接串，也支持redis://地址
func ParseRedis(s string) (*redis.Options, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrEmptyConnectionString
	}
	if strings.HasPrefix(s, "redis://") || strings.HasPrefix(s, "rediss://") {
		opts, err := redis.ParseURL(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		return opts, nil
	}

	opts := &redis.Options{}
	var endpoints []string
	var useTLS bool
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, val, ok := strings.Cut(part, "=")
		if !ok {
			endpoints = append(endpoints, part)
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		val = strings.TrimSpace(val)
		var err error
		switch key {
		case "password":
			opts.Password = val
		case "user":
			opts.Username = val
		case "defaultdatabase":
			opts.DB, err = atoiNonNegative(key, val)
		case "connecttimeout":
			opts.DialTimeout, err = millis(key, val)
		case "synctimeout", "asynctimeout":
			var d time.Duration
			if d, err = millis(key, val); err == nil {
				opts.ReadTimeout, opts.WriteTimeout = d, d
			}
		case "connectretry":
			opts.MaxRetries, err = atoiNonNegative(key, val)
		case "ssl":
			useTLS, err = parseBool(key, val)
		case "name":
			opts.ClientName = val
		case "abortconnect", "allowadmin", "keepalive", "sslprotocols", "servicename":
			// 不影响单节点客户端
		default:
			err = fmt.Errorf("%q: %w", key, ErrUnknownKey)
		}
		if err != nil {
			return nil, err
		}
	}
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoint
	}
	addr := endpoints[0]
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "6379")
	}
	opts.Addr = addr
	if useTLS {
		host, _, _ := net.SplitHostPort(addr)
		opts.TLSConfig = &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	}
	return opts, nil
}

// ParseMySQL 支持原生DSN与 server=...;database=...;user id=... 形式，返回go-sql-driver DSN
func ParseMySQL(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrEmptyConnectionString
	}
	if isNativeDSN(s) {
		cfg, err := mysql.ParseDSN(s)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		cfg.ParseTime = true
		if !hasDSNParam(s, "loc") {
			cfg.Loc = time.Local
		}
		return cfg.FormatDSN(), nil
	}

	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.ParseTime = true
	cfg.Loc = time.Local
	host, port, charset := "localhost", "3306", "utf8mb4"
	for _, kv := range splitPairs(s, ";") {
		key, val := kv[0], kv[1]
		switch key {
		case "server", "host", "data source", "datasource", "address":
			host = val
		case "port":
			if _, err := atoiPositive(key, val); err != nil {
				return "", err
			}
			port = val
		case "database", "initial catalog":
			cfg.DBName = val
		case "user id", "uid", "user", "username", "userid":
			cfg.User = val
		case "password", "pwd":
			cfg.Passwd = val
		case "charset", "character set":
			charset = val
		case "connect timeout", "connection timeout", "connecttimeout":
			d, err := seconds(key, val)
			if err != nil {
				return "", err
			}
			cfg.Timeout = d
		case "default command timeout":
			d, err := seconds(key, val)
			if err != nil {
				return "", err
			}
			cfg.ReadTimeout, cfg.WriteTimeout = d, d
		case "sslmode", "ssl mode":
			switch strings.ToLower(val) {
			case "none", "disabled":
				cfg.TLSConfig = ""
			case "preferred":
				cfg.TLSConfig = "preferred"
			case "required":
				cfg.TLSConfig = "skip-verify"
			case "verifyca", "verifyfull":
				cfg.TLSConfig = "true"
			default:
				return "", fmt.Errorf("sslmode %q: %w", val, ErrInvalidValue)
			}
		default:
			// 连接池类参数在gorm层配置
		}
	}
	cfg.Addr = net.JoinHostPort(host, port)
	if err := cfg.Apply(mysql.Charset(charset, "")); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return cfg.FormatDSN(), nil
}

// isNativeDSN user:pw@tcp(host)/db、user@unix(/x.sock)/db、user@/db 形式
func isNativeDSN(s string) bool {
	i := strings.LastIndex(s, "@")
	if i < 0 {
		return false
	}
	rest := s[i+1:]
	if strings.HasPrefix(rest, "/") {
		return true
	}
	j := strings.IndexByte(rest, '(')
	return j > 0 && !strings.ContainsAny(rest[:j], "=;, ")
}

func hasDSNParam(dsn, key string) bool {
	_, query, ok := strings.Cut(dsn, "?")
	if !ok {
		return false
	}
	values, err := url.ParseQuery(query)
	return err == nil && values.Has(key)
}

// splitPairs 切分 key=value 对，key统一小写
func splitPairs(s, sep string) [][2]string {
	var out [][2]string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, val, _ := strings.Cut(part, "=")
		out = append(out, [2]string{strings.ToLower(strings.TrimSpace(key)), strings.TrimSpace(val)})
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, h := range strings.Split(s, ",") {
		if h = strings.TrimSpace(h); h != "" {
			out = append(out, h)
		}
	}
	return out
}

func atoiPositive(key, val string) (int, error) {
	n, err := strconv.Atoi(val)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s=%q: %w", key, val, ErrInvalidValue)
	}
	return n, nil
}

func atoiNonNegative(key, val string) (int, error) {
	n, err := strconv.Atoi(val)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s=%q: %w", key, val, ErrInvalidValue)
	}
	return n, nil
}

func seconds(key, val string) (time.Duration, error) {
	n, err := atoiNonNegative(key, val)
	return time.Duration(n) * time.Second, err
}

func millis(key, val string) (time.Duration, error) {
	n, err := atoiNonNegative(key, val)
	return time.Duration(n) * time.Millisecond, err
}

func parseBool(key, val string) (bool, error) {
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("%s=%q: %w", key, val, ErrInvalidValue)
	}
	return b, nil
}
