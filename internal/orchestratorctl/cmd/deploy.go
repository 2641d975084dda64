package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/deploysmith/orchestrator/internal/chatapi"
	"github.com/deploysmith/orchestrator/internal/orchestratorctl/client"
)

// pipelineFailureError marks a deployment that reached the terminal failed
// state, mapped to exit code 2.
type pipelineFailureError struct{ result *client.Result }

func (e *pipelineFailureError) Error() string {
	return fmt.Sprintf("deployment %s failed: %s", e.result.DeploymentID, e.result.Message)
}

// decommissionFailureError marks a decommission action that did not reach
// decommissioned, mapped to exit code 3.
type decommissionFailureError struct{ result *client.Result }

func (e *decommissionFailureError) Error() string {
	return fmt.Sprintf("decommission of %s failed: %s", e.result.DeploymentID, e.result.Message)
}

// exitCodeFor maps a RunE error to the process exit code spec.md §6 names:
// 0 success, 1 validation error, 2 pipeline failure, 3 decommission failure.
func exitCodeFor(err error) int {
	switch err.(type) {
	case *client.ValidationError:
		return 1
	case *decommissionFailureError:
		return 3
	case *pipelineFailureError:
		return 2
	default:
		return 1
	}
}

func envVarFlags(raw []string) ([]chatapi.EnvVarInput, error) {
	out := make([]chatapi.EnvVarInput, 0, len(raw))
	for _, kv := range raw {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("--env %q must be in NAME=value form", kv)
		}
		out = append(out, chatapi.EnvVarInput{Name: name, Value: value})
	}
	return out, nil
}

func printResult(result *client.Result) {
	fmt.Printf("deployment:   %s\n", result.DeploymentID)
	fmt.Printf("status:       %s\n", result.Status)
	for _, u := range result.URLs {
		fmt.Printf("url:          %s\n", u)
	}
	for k, v := range result.Outputs {
		fmt.Printf("output.%-12s %s\n", k, v)
	}
}

var deployLocalCmd = &cobra.Command{
	Use:   "deploy-local",
	Short: "Deploy an application to an ephemeral local Kubernetes cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		appName, _ := cmd.Flags().GetString("app-name")
		repoURL, _ := cmd.Flags().GetString("repo-url")
		namespace, _ := cmd.Flags().GetString("namespace")
		replicas, _ := cmd.Flags().GetInt("replicas")
		envFlags, _ := cmd.Flags().GetStringArray("env")

		envVars, err := envVarFlags(envFlags)
		if err != nil {
			return &client.ValidationError{Body: err.Error()}
		}

		c := client.NewClient(serverURL)
		result, err := c.Deploy(chatapi.ChatRequest{
			DeploymentMode:                  "local",
			InstanceName:                    appName,
			GitHubRepoURL:                   repoURL,
			TargetNamespace:                 namespace,
			Replicas:                        replicas,
			ApplicationEnvironmentVariables: envVars,
		})
		if err != nil {
			return err
		}

		printResult(result)
		if result.Status != "succeeded" {
			return &pipelineFailureError{result: result}
		}
		return nil
	},
}

var deployCloudHostedCmd = &cobra.Command{
	Use:   "deploy-cloud-hosted",
	Short: "Deploy an application to a managed cloud Kubernetes cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		appName, _ := cmd.Flags().GetString("app-name")
		repoURL, _ := cmd.Flags().GetString("repo-url")
		clusterName, _ := cmd.Flags().GetString("cluster-name")
		namespace, _ := cmd.Flags().GetString("namespace")
		replicas, _ := cmd.Flags().GetInt("replicas")
		hostedZoneID, _ := cmd.Flags().GetString("hosted-zone-id")
		subdomain, _ := cmd.Flags().GetString("subdomain")
		accessKeyID, _ := cmd.Flags().GetString("aws-access-key-id")
		secretAccessKey, _ := cmd.Flags().GetString("aws-secret-access-key")
		region, _ := cmd.Flags().GetString("aws-region")
		envFlags, _ := cmd.Flags().GetStringArray("env")

		envVars, err := envVarFlags(envFlags)
		if err != nil {
			return &client.ValidationError{Body: err.Error()}
		}

		var creds *chatapi.AWSCredentials
		if accessKeyID != "" || secretAccessKey != "" {
			creds = &chatapi.AWSCredentials{
				AccessKeyID:     accessKeyID,
				SecretAccessKey: secretAccessKey,
				Region:          region,
			}
		}

		c := client.NewClient(serverURL)
		result, err := c.Deploy(chatapi.ChatRequest{
			DeploymentMode:                  "cloud-hosted",
			InstanceName:                    appName,
			GitHubRepoURL:                   repoURL,
			TargetNamespace:                 namespace,
			Replicas:                        replicas,
			BaseHostedZoneID:                hostedZoneID,
			AppSubdomainLabel:               subdomain,
			AWSCredentials:                  creds,
			ApplicationEnvironmentVariables: envVars,
		})
		if err != nil {
			return err
		}
		_ = clusterName // the cluster is provisioned by the pipeline itself; name is descriptive only

		printResult(result)
		if result.Status != "succeeded" {
			return &pipelineFailureError{result: result}
		}
		return nil
	},
}

var decommissionCmd = &cobra.Command{
	Use:   "decommission",
	Short: "Tear down a deployment and release its resources",
	RunE: func(cmd *cobra.Command, args []string) error {
		instanceID, _ := cmd.Flags().GetString("instance-id")
		if instanceID == "" {
			return &client.ValidationError{Body: "--instance-id is required"}
		}

		c := client.NewClient(serverURL)
		result, err := c.Lifecycle("decommission", instanceID, 0)
		if err != nil {
			return err
		}

		printResult(result)
		if result.Status != "decommissioned" {
			return &decommissionFailureError{result: result}
		}
		return nil
	},
}

var scaleCmd = &cobra.Command{
	Use:   "scale",
	Short: "Change the replica count of a running deployment",
	RunE: func(cmd *cobra.Command, args []string) error {
		instanceID, _ := cmd.Flags().GetString("instance-id")
		replicas, _ := cmd.Flags().GetInt("replicas")
		if instanceID == "" {
			return &client.ValidationError{Body: "--instance-id is required"}
		}
		if replicas <= 0 {
			return &client.ValidationError{Body: "--replicas must be positive"}
		}

		c := client.NewClient(serverURL)
		result, err := c.Lifecycle("scale", instanceID, replicas)
		if err != nil {
			return err
		}

		printResult(result)
		if result.Status != "succeeded" {
			return &pipelineFailureError{result: result}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deployLocalCmd, deployCloudHostedCmd, decommissionCmd, scaleCmd)

	for _, c := range []*cobra.Command{deployLocalCmd, deployCloudHostedCmd} {
		c.Flags().String("app-name", "", "instance name for the deployment (required)")
		c.Flags().String("repo-url", "", "GitHub repository URL to deploy (required)")
		c.Flags().String("namespace", "", "target Kubernetes namespace (defaults to app-name)")
		c.Flags().Int("replicas", 1, "number of pod replicas")
		c.Flags().StringArray("env", nil, "application environment variable in NAME=value form, repeatable")
		_ = c.MarkFlagRequired("app-name")
		_ = c.MarkFlagRequired("repo-url")
	}

	deployCloudHostedCmd.Flags().String("cluster-name", "", "descriptive name for the provisioned cluster (required)")
	deployCloudHostedCmd.Flags().String("hosted-zone-id", "", "Route53 hosted zone ID for the app's custom domain")
	deployCloudHostedCmd.Flags().String("subdomain", "", "subdomain label under the configured base domain")
	deployCloudHostedCmd.Flags().String("aws-access-key-id", "", "AWS access key (falls back to server default)")
	deployCloudHostedCmd.Flags().String("aws-secret-access-key", "", "AWS secret key (falls back to server default)")
	deployCloudHostedCmd.Flags().String("aws-region", "", "AWS region")
	_ = deployCloudHostedCmd.MarkFlagRequired("cluster-name")

	decommissionCmd.Flags().String("instance-id", "", "deployment id to decommission (required)")
	_ = decommissionCmd.MarkFlagRequired("instance-id")

	scaleCmd.Flags().String("instance-id", "", "deployment id to scale (required)")
	scaleCmd.Flags().Int("replicas", 0, "new replica count (required)")
	_ = scaleCmd.MarkFlagRequired("instance-id")
	_ = scaleCmd.MarkFlagRequired("replicas")
}
