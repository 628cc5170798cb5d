package config

const (
	EnvPrefix = "PIXMINT"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvDBDSN  = "PIXMINT_DB_DSN"
	EnvDBHost = "PIXMINT_DB_HOST"
	EnvDBUser = "PIXMINT_DB_USER"
	EnvDBName = "PIXMINT_DB_NAME"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
