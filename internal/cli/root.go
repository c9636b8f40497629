package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// DefaultAPIURL — адрес API, если не задан ни --api-url, ни API_URL.
const DefaultAPIURL = "http://localhost:8080"

// NewRootCmd собирает корневую команду promptline.
//
// Адрес API берётся из --api-url, затем из переменной окружения API_URL.
func NewRootCmd(version string) *cobra.Command {
	v := viper.New()
	v.SetDefault("api_url", DefaultAPIURL)
	v.AutomaticEnv()

	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "promptline",
		Short:         "Promptline CLI: run multi-step LLM prompt workflows",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("api-url", DefaultAPIURL, "API server URL (env API_URL)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	_ = v.BindPFlag("api_url", rootCmd.PersistentFlags().Lookup("api-url"))

	clientFn := func() *Client { return NewClient(v.GetString("api_url")) }
	outputFn := func() *Output {
		return NewOutputTo(jsonOutput, rootCmd.OutOrStdout(), rootCmd.ErrOrStderr())
	}

	rootCmd.AddCommand(
		NewWorkflowCmd(clientFn, outputFn),
		NewExecutionCmd(clientFn, outputFn),
	)

	return rootCmd
}
