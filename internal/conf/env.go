package conf

import (
	"errors"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
)

type Env struct {
	SelfURL     string `split_words:"true" required:"true"`
	HttpAddr    string `split_words:"true" default:":8080"`
	MetricsAddr string `split_words:"true" default:":8081"`

	LogLevel  string `split_words:"true" default:"info"`
	LogFormat string `split_words:"true" default:"auto"`

	DatabaseURL string `split_words:"true" required:"true"`

	StripeKey        string `split_words:"true"`
	StripeWebhookKey string `split_words:"true"`
	OrgPlanLookupKey string `split_words:"true" default:"org_plan"`

	// Checkout sessions are created for real money so keep the rate low
	CheckoutRateLimit float64 `split_words:"true" default:"1"`

	// Stands in for the oauth2proxy header when starting checkouts locally
	TestUserID string `envconfig:"TESTUSERID"`

	// TODO: These should be prefixed "Reporting" instead of "Event"
	EventPsqlAddr     string `split_words:"true"`
	EventPsqlUsername string `split_words:"true"`
	EventPsqlPassword string `split_words:"true"`
	EventBufferLength int    `split_words:"true" default:"50"`
}

// Load reads an optional .env file and then binds the environment to the config struct.
// Variables already present in the environment win over the file.
func (e *Env) Load() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return envconfig.Process("", e)
}

func (e *Env) MustLoad() {
	if err := e.Load(); err != nil {
		log.Fatal().Err(err).Msg("loading configuration")
	}
}
