package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every key when viper looks up environment overrides,
// e.g. CARTPILOT_SERVER_ADDR for server.addr.
const EnvPrefix = "CARTPILOT"

type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Logger    LoggerConfig    `yaml:"logger" mapstructure:"logger"`
	Browser   BrowserConfig   `yaml:"browser" mapstructure:"browser"`
	Lock      LockConfig      `yaml:"lock" mapstructure:"lock"`
	Jobs      JobsConfig      `yaml:"jobs" mapstructure:"jobs"`
	Batch     BatchConfig     `yaml:"batch" mapstructure:"batch"`
	Challenge ChallengeConfig `yaml:"challenge" mapstructure:"challenge"`

	Jumbo RetailerConfig `yaml:"jumbo" mapstructure:"jumbo"`
	Lider RetailerConfig `yaml:"lider" mapstructure:"lider"`
}

type ServerConfig struct {
	Addr                   string `yaml:"addr" mapstructure:"addr"`
	ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds" mapstructure:"shutdown_timeout_seconds"`
}

// LoggerConfig mirrors the options accepted by observability.Initialize.
type LoggerConfig struct {
	Level       string `yaml:"level" mapstructure:"level"`
	Format      string `yaml:"format" mapstructure:"format"`
	ServiceName string `yaml:"service_name" mapstructure:"service_name"`
	AddSource   bool   `yaml:"add_source" mapstructure:"add_source"`
	LogFile     string `yaml:"log_file" mapstructure:"log_file"`
	MaxSize     int    `yaml:"max_size" mapstructure:"max_size"`
	MaxBackups  int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAge      int    `yaml:"max_age" mapstructure:"max_age"`
	Compress    bool   `yaml:"compress" mapstructure:"compress"`
}

type BrowserConfig struct {
	// ProfileDir is the root under which one Chrome profile per retailer is kept.
	// Empty means "resolve automatically", see ResolveProfileRoot.
	ProfileDir string `yaml:"profile_dir" mapstructure:"profile_dir"`
	BinPath    string `yaml:"bin_path" mapstructure:"bin_path"`
	Headless   bool   `yaml:"headless" mapstructure:"headless"`

	ViewportWidth  int    `yaml:"viewport_width" mapstructure:"viewport_width"`
	ViewportHeight int    `yaml:"viewport_height" mapstructure:"viewport_height"`
	UserAgent      string `yaml:"user_agent" mapstructure:"user_agent"`
	Locale         string `yaml:"locale" mapstructure:"locale"`
	AcceptLanguage string `yaml:"accept_language" mapstructure:"accept_language"`
	Timezone       string `yaml:"timezone" mapstructure:"timezone"`

	PageLoadTimeout int     `yaml:"page_load_timeout" mapstructure:"page_load_timeout"`
	MinDelayBetween float64 `yaml:"min_delay_between" mapstructure:"min_delay_between"`
	MaxDelayBetween float64 `yaml:"max_delay_between" mapstructure:"max_delay_between"`
	KeepOpenSeconds int     `yaml:"keep_open_seconds" mapstructure:"keep_open_seconds"`
}

type LockConfig struct {
	// AcquireTimeoutSeconds bounds the wait for a busy profile. 0 waits forever.
	AcquireTimeoutSeconds int `yaml:"acquire_timeout_seconds" mapstructure:"acquire_timeout_seconds"`
}

type JobsConfig struct {
	RetentionSeconds int `yaml:"retention_seconds" mapstructure:"retention_seconds"`
	TimeoutMinutes   int `yaml:"timeout_minutes" mapstructure:"timeout_minutes"`
}

type BatchConfig struct {
	Size    int `yaml:"size" mapstructure:"size"`
	DelayMs int `yaml:"delay_ms" mapstructure:"delay_ms"`
}

type ChallengeConfig struct {
	TimeoutSeconds     int      `yaml:"timeout_seconds" mapstructure:"timeout_seconds"`
	PollIntervalMs     int      `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	BlockedPathMarkers []string `yaml:"blocked_path_markers" mapstructure:"blocked_path_markers"`
	TitleMarkers       []string `yaml:"title_markers" mapstructure:"title_markers"`
}

// RetailerConfig describes one store: where things live, how long to wait for
// them, and which selectors identify the controls the drivers need.
type RetailerConfig struct {
	Name string `yaml:"name" mapstructure:"name"`

	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	LoginURL    string `yaml:"login_url" mapstructure:"login_url"`
	LoginPath   string `yaml:"login_path" mapstructure:"login_path"`
	CartURL     string `yaml:"cart_url" mapstructure:"cart_url"`
	CartAPIURL  string `yaml:"cart_api_url" mapstructure:"cart_api_url"`
	CheckoutURL string `yaml:"checkout_url" mapstructure:"checkout_url"`
	GraphQLURL  string `yaml:"graphql_url" mapstructure:"graphql_url"`
	// ProductURLTemplate builds a product page URL from a product id or SKU,
	// substituted for {id}.
	ProductURLTemplate string `yaml:"product_url_template" mapstructure:"product_url_template"`

	// CartMutationMarker is a URL substring identifying the add-to-cart XHR.
	CartMutationMarker string `yaml:"cart_mutation_marker" mapstructure:"cart_mutation_marker"`

	APIKey   string `yaml:"api_key" mapstructure:"api_key"`
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`

	ReadyTimeoutSeconds    int `yaml:"ready_timeout_seconds" mapstructure:"ready_timeout_seconds"`
	ClickTimeoutMs         int `yaml:"click_timeout_ms" mapstructure:"click_timeout_ms"`
	ResponseTimeoutSeconds int `yaml:"response_timeout_seconds" mapstructure:"response_timeout_seconds"`
	StepTimeoutSeconds     int `yaml:"step_timeout_seconds" mapstructure:"step_timeout_seconds"`
	ConfirmAttempts        int `yaml:"confirm_attempts" mapstructure:"confirm_attempts"`
	ConfirmIntervalMs      int `yaml:"confirm_interval_ms" mapstructure:"confirm_interval_ms"`
	PaymentWindowSeconds   int `yaml:"payment_window_seconds" mapstructure:"payment_window_seconds"`

	Selectors SelectorConfig `yaml:"selectors" mapstructure:"selectors"`
}

type SelectorConfig struct {
	ConsentButtons    []string `yaml:"consent_buttons" mapstructure:"consent_buttons"`
	ConsentShadowHost string   `yaml:"consent_shadow_host" mapstructure:"consent_shadow_host"`
	ConsentButtonIDs  []string `yaml:"consent_button_ids" mapstructure:"consent_button_ids"`
	ConsentText       string   `yaml:"consent_text" mapstructure:"consent_text"`

	ProductTitle   string   `yaml:"product_title" mapstructure:"product_title"`
	ProductPrice   string   `yaml:"product_price" mapstructure:"product_price"`
	PricePattern   string   `yaml:"price_pattern" mapstructure:"price_pattern"`
	AddToCart      []string `yaml:"add_to_cart" mapstructure:"add_to_cart"`
	AddToCartText  string   `yaml:"add_to_cart_text" mapstructure:"add_to_cart_text"`
	QuantityPlus   []string `yaml:"quantity_plus" mapstructure:"quantity_plus"`
	CartCountBadge string   `yaml:"cart_count_badge" mapstructure:"cart_count_badge"`

	LoginEmail    string `yaml:"login_email" mapstructure:"login_email"`
	LoginContinue string `yaml:"login_continue" mapstructure:"login_continue"`
	LoginPassword string `yaml:"login_password" mapstructure:"login_password"`
	LoginSubmit   string `yaml:"login_submit" mapstructure:"login_submit"`

	CheckoutCartContinue   string `yaml:"checkout_cart_continue" mapstructure:"checkout_cart_continue"`
	UpsellDismiss          string `yaml:"upsell_dismiss" mapstructure:"upsell_dismiss"`
	DeliveryMethodRadio    string `yaml:"delivery_method_radio" mapstructure:"delivery_method_radio"`
	DeliveryMethodLabel    string `yaml:"delivery_method_label" mapstructure:"delivery_method_label"`
	DeliveryMethodConfirm  string `yaml:"delivery_method_confirm" mapstructure:"delivery_method_confirm"`
	IdentificationContinue string `yaml:"identification_continue" mapstructure:"identification_continue"`
	DeliveryContinue       string `yaml:"delivery_continue" mapstructure:"delivery_continue"`
	PaymentSubmit          string `yaml:"payment_submit" mapstructure:"payment_submit"`

	ModalClose                  []string `yaml:"modal_close" mapstructure:"modal_close"`

	PaymentSuccessPatterns      []string `yaml:"payment_success_patterns" mapstructure:"payment_success_patterns"`
	PaymentInsufficientPatterns []string `yaml:"payment_insufficient_patterns" mapstructure:"payment_insufficient_patterns"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:                   ":8080",
			ShutdownTimeoutSeconds: 10,
		},
		Logger: LoggerConfig{
			Level:       "info",
			Format:      "console",
			ServiceName: "cartpilot",
			MaxSize:     20,
			MaxBackups:  3,
			MaxAge:      7,
		},
		Browser: BrowserConfig{
			Headless:        true,
			ViewportWidth:   1366,
			ViewportHeight:  900,
			UserAgent:       "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
			Locale:          "es-CL",
			AcceptLanguage:  "es-CL,es;q=0.9,en;q=0.8",
			Timezone:        "America/Santiago",
			PageLoadTimeout: 30,
			MinDelayBetween: 0.4,
			MaxDelayBetween: 1.2,
			KeepOpenSeconds: 120,
		},
		Lock: LockConfig{
			AcquireTimeoutSeconds: 180,
		},
		Jobs: JobsConfig{
			RetentionSeconds: 300,
			TimeoutMinutes:   15,
		},
		Batch: BatchConfig{
			Size:    2,
			DelayMs: 1500,
		},
		Challenge: ChallengeConfig{
			TimeoutSeconds:     75,
			PollIntervalMs:     1000,
			BlockedPathMarkers: []string{"/blocked", "/_sec/", "/captcha"},
			TitleMarkers:       []string{"Access Denied", "Just a moment", "Pardon Our Interruption", "Attention Required", "Verificando"},
		},
		Jumbo: defaultJumbo(),
		Lider: defaultLider(),
	}
}

func defaultJumbo() RetailerConfig {
	return RetailerConfig{
		Name:                   "jumbo",
		BaseURL:                "https://www.jumbo.cl",
		LoginURL:               "https://www.jumbo.cl/login",
		LoginPath:              "/login",
		CartURL:                "https://www.jumbo.cl/mi-carro",
		CartAPIURL:             "https://www.jumbo.cl/api/checkout/pub/orderForm",
		CheckoutURL:            "https://www.jumbo.cl/checkout/#/cart",
		CartMutationMarker:     "/orderForm",
		ReadyTimeoutSeconds:    20,
		ClickTimeoutMs:         5000,
		ResponseTimeoutSeconds: 15,
		StepTimeoutSeconds:     30,
		ConfirmAttempts:        10,
		ConfirmIntervalMs:      1000,
		PaymentWindowSeconds:   45,
		Selectors: SelectorConfig{
			ConsentButtons:    []string{"#onetrust-accept-btn-handler", "button.cookies-consent-accept", "[data-testid='cookie-accept']"},
			ConsentShadowHost: "#usercentrics-root",
			ConsentButtonIDs:  []string{"accept", "uc-accept-all-button"},
			ConsentText:       "aceptar",

			ProductTitle:   "h1.product-name, h1[class*='product-name']",
			ProductPrice:   ".product-sigle-price-wrapper, [class*='price-best']",
			PricePattern:   `\$\s?\d{1,3}(\.\d{3})*`,
			AddToCart:      []string{"button.add-to-cart", "button[class*='add-to-cart']", "button[data-testid='add-to-cart']"},
			AddToCartText:  "(?i)agregar",
			QuantityPlus:   []string{"button.product-quantity-plus", "button[aria-label*='Aumentar']", "button[class*='plus']"},
			CartCountBadge: ".minicart-quantity, [class*='cart-counter']",

			LoginEmail:    "input[name='email'], input[type='email']",
			LoginContinue: "button[data-testid='login-continue']",
			LoginPassword: "input[name='password'], input[type='password']",
			LoginSubmit:   "button[type='submit']",

			CheckoutCartContinue:   "#cart-to-orderform, button[data-testid='go-to-checkout']",
			UpsellDismiss:          "button[data-testid='upsell-skip'], .upsell-modal button.close",
			DeliveryMethodRadio:    "input[type='radio'][name='delivery-method']",
			DeliveryMethodLabel:    "label[for^='delivery-method']",
			DeliveryMethodConfirm:  "button[data-testid='delivery-method-confirm']",
			IdentificationContinue: "#btn-client-pre-email, #go-to-shipping",
			DeliveryContinue:       "#btn-go-to-payment",
			PaymentSubmit:          "#payment-data-submit",
			ModalClose:             []string{".modal button.close", "button[aria-label='Cerrar']", ".vtex-modal button"},

			PaymentSuccessPatterns:      []string{"gracias por tu compra", "pedido confirmado", "tu compra fue exitosa", "orden recibida"},
			PaymentInsufficientPatterns: []string{"fondos insuficientes", "saldo insuficiente", "insufficient funds", "pago rechazado"},
		},
	}
}

func defaultLider() RetailerConfig {
	return RetailerConfig{
		Name:                   "lider",
		BaseURL:                "https://www.lider.cl",
		LoginURL:               "https://www.lider.cl/supermercado/login",
		LoginPath:              "/login",
		CartURL:                "https://www.lider.cl/supermercado/cart",
		CheckoutURL:            "https://www.lider.cl/supermercado/checkout",
		GraphQLURL:             "https://www.lider.cl/orchestra/graphql",
		ProductURLTemplate:     "https://www.lider.cl/supermercado/product/sku/{id}",
		CartMutationMarker:     "/graphql",
		ReadyTimeoutSeconds:    20,
		ClickTimeoutMs:         5000,
		ResponseTimeoutSeconds: 15,
		StepTimeoutSeconds:     30,
		ConfirmAttempts:        10,
		ConfirmIntervalMs:      1000,
		PaymentWindowSeconds:   45,
		Selectors: SelectorConfig{
			ConsentButtons:    []string{"button[data-automation-id='cookie-accept']", "#onetrust-accept-btn-handler"},
			ConsentShadowHost: "#usercentrics-root",
			ConsentButtonIDs:  []string{"accept"},
			ConsentText:       "aceptar",

			ProductTitle:   "h1[data-automation-id='product-title'], h1",
			ProductPrice:   "[data-automation-id='product-price'], [itemprop='price']",
			PricePattern:   `\$\s?\d{1,3}(\.\d{3})*`,
			AddToCart:      []string{"button[data-automation-id='add-to-cart']", "button[data-testid='add-to-cart']"},
			AddToCartText:  "(?i)agregar",
			QuantityPlus:   []string{"button[data-automation-id='increment-quantity']", "button[aria-label*='Aumentar']"},
			CartCountBadge: "[data-automation-id='cart-count'], .cart-badge",

			LoginEmail:    "input[type='email']",
			LoginPassword: "input[type='password']",
			LoginSubmit:   "button[type='submit']",

			ModalClose: []string{"button[aria-label='Cerrar']", ".modal button.close"},

			PaymentSuccessPatterns:      []string{"gracias por tu compra", "pedido confirmado"},
			PaymentInsufficientPatterns: []string{"fondos insuficientes", "saldo insuficiente", "insufficient funds"},
		},
	}
}

// LoadConfig reads path on top of DefaultConfig, then applies environment
// overrides. A missing file is created with the defaults, the same way a first
// run leaves an editable config.yaml behind.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	defaults, err := yaml.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("failed to encode defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := config.Save(path); err != nil {
				return nil, err
			}
		} else {
			v.SetConfigFile(path)
			if err := v.MergeInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		}
	}

	bindEnv(v)

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return config, nil
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Credentials and the profile directory also accept the short names
	// operators already export for the storefront.
	_ = v.BindEnv("jumbo.username", EnvPrefix+"_JUMBO_USERNAME", "JUMBO_USERNAME")
	_ = v.BindEnv("jumbo.password", EnvPrefix+"_JUMBO_PASSWORD", "JUMBO_PASSWORD")
	_ = v.BindEnv("lider.username", EnvPrefix+"_LIDER_USERNAME", "LIDER_USERNAME")
	_ = v.BindEnv("lider.password", EnvPrefix+"_LIDER_PASSWORD", "LIDER_PASSWORD")
	_ = v.BindEnv("lider.api_key", EnvPrefix+"_LIDER_API_KEY", "LIDER_API_KEY")
	_ = v.BindEnv("browser.profile_dir", EnvPrefix+"_PROFILE_DIR", "BROWSER_PROFILE_DIR")
}

func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0600)
}

// Retailer returns the settings for name ("jumbo" or "lider").
func (c *Config) Retailer(name string) (RetailerConfig, bool) {
	switch strings.ToLower(name) {
	case "jumbo":
		return c.Jumbo, true
	case "lider":
		return c.Lider, true
	}
	return RetailerConfig{}, false
}

func seconds(n int) time.Duration      { return time.Duration(n) * time.Second }
func milliseconds(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (s ServerConfig) ShutdownTimeout() time.Duration { return seconds(s.ShutdownTimeoutSeconds) }

func (b BrowserConfig) PageLoad() time.Duration { return seconds(b.PageLoadTimeout) }
func (b BrowserConfig) KeepOpen() time.Duration { return seconds(b.KeepOpenSeconds) }

func (l LockConfig) AcquireTimeout() time.Duration { return seconds(l.AcquireTimeoutSeconds) }

func (j JobsConfig) Retention() time.Duration { return seconds(j.RetentionSeconds) }
func (j JobsConfig) Timeout() time.Duration   { return time.Duration(j.TimeoutMinutes) * time.Minute }

func (b BatchConfig) Delay() time.Duration { return milliseconds(b.DelayMs) }

func (c ChallengeConfig) Timeout() time.Duration      { return seconds(c.TimeoutSeconds) }
func (c ChallengeConfig) PollInterval() time.Duration { return milliseconds(c.PollIntervalMs) }

func (r RetailerConfig) ReadyTimeout() time.Duration    { return seconds(r.ReadyTimeoutSeconds) }
func (r RetailerConfig) ClickTimeout() time.Duration    { return milliseconds(r.ClickTimeoutMs) }
func (r RetailerConfig) ResponseTimeout() time.Duration { return seconds(r.ResponseTimeoutSeconds) }
func (r RetailerConfig) StepTimeout() time.Duration     { return seconds(r.StepTimeoutSeconds) }
func (r RetailerConfig) ConfirmInterval() time.Duration { return milliseconds(r.ConfirmIntervalMs) }
func (r RetailerConfig) PaymentWindow() time.Duration   { return seconds(r.PaymentWindowSeconds) }
