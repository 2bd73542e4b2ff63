package config

type HTTPConfig struct {
	Port    int
	TCPAddr string
	// OperatorSubjects are the user token subjects allowed to act on every
	// owner's workloads and on the worker registry.
	OperatorSubjects []string
}

func NewHTTPConfig() *HTTPConfig {
	return &HTTPConfig{
		Port:             getIntEnv("HTTP_PORT", 8082),
		TCPAddr:          getEnv("TCP_ADDR", ":8080"),
		OperatorSubjects: getListEnv("OPERATOR_SUBJECTS"),
	}
}
