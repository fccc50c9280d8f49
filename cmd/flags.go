package cmd

import (
	"log"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile   string
	dryRun    bool
	quiet     bool
	watchMode bool
	logLevel  string
	logOutput string
	logServer string
	manifest  string
	localDir  string
	gitURL    string
	branch    string
	tag       string
	commit    string
	healthP   int
	jobs      int
	substr    bool
	allowDiff bool
	subm      bool
	mergeCmt  bool
	squash    bool
	ffMode    string
	strategy  string
	stampPath string
	lockPath  string
	sshKey    string
	tokenFile string
	sumDir    string
	extraBr   []string
	excludes  []string
	checkIntv time.Duration
	remoteTmo time.Duration
	pollIntv  time.Duration
)

func bindPFlag(key string, cmd string) {
	if err := viper.BindPFlag(key, RootCmd.PersistentFlags().Lookup(cmd)); err != nil {
		log.Fatal("Failed to bind cli argument:", err)
	}
}

func init() {
	cobra.OnInitialize(loadConfigFile)
	RootCmd.AddCommand(versionCmd)
	RootCmd.AddCommand(checkCmd)
	RootCmd.AddCommand(statusCmd)

	defaultCfg := "/etc/gitbound/" + appName + ".yaml"
	RootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", defaultCfg, "Configuration file")

	RootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "d", false, "Dry-run mode: check targets but don't touch them")
	bindPFlag("dry-run", "dry-run")

	RootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Don't print build summaries")
	bindPFlag("quiet", "quiet")

	RootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "v", "info", "Log level")
	bindPFlag("log-level", "log-level")

	RootCmd.PersistentFlags().StringVarP(&logOutput, "log-output", "o", "stderr", "Log output")
	bindPFlag("log-output", "log-output")

	RootCmd.PersistentFlags().StringVarP(&logServer, "log-server", "r", "", "Log server (if using syslog)")
	bindPFlag("log-server", "log-server")

	RootCmd.PersistentFlags().StringVarP(&manifest, "manifest", "m", "", "Yaml file listing the targets (instead of the target flags)")
	bindPFlag("manifest", "manifest")

	RootCmd.PersistentFlags().StringVarP(&localDir, "local-dir", "e", "", "Directory to keep synchronized")
	bindPFlag("local-dir", "local-dir")

	RootCmd.PersistentFlags().StringVarP(&gitURL, "git-url", "g", "", "Git repository URL")
	bindPFlag("git-url", "git-url")

	RootCmd.PersistentFlags().StringVarP(&branch, "branch", "b", "", "Branch to follow (defaults to master)")
	bindPFlag("branch", "branch")

	RootCmd.PersistentFlags().StringVarP(&tag, "tag", "t", "", "Tag to pin the directory to")
	bindPFlag("tag", "tag")

	RootCmd.PersistentFlags().StringVar(&commit, "commit", "", "Commit hash to pin the directory to")
	bindPFlag("commit", "commit")

	RootCmd.PersistentFlags().DurationVarP(&checkIntv, "check-interval", "i", 0, "Min duration between two remote checks (0 to always check)")
	bindPFlag("check-interval", "check-interval")

	RootCmd.PersistentFlags().StringSliceVar(&extraBr, "extra-branches", nil, "Branches to track locally after a clone")
	bindPFlag("extra-branches", "extra-branches")

	RootCmd.PersistentFlags().BoolVar(&subm, "submodules", false, "Clone submodules too")
	bindPFlag("submodules", "submodules")

	RootCmd.PersistentFlags().StringVar(&ffMode, "fast-forward", "", "Pull fast-forward mode: ff, ff_only or no_ff (defaults to ff_only)")
	bindPFlag("fast-forward", "fast-forward")

	RootCmd.PersistentFlags().StringVar(&strategy, "merge-strategy", "", "Pull merge strategy: ours, theirs, recursive, resolve or simple_two_way (defaults to resolve)")
	bindPFlag("merge-strategy", "merge-strategy")

	RootCmd.PersistentFlags().BoolVar(&mergeCmt, "merge-commit", false, "Commit non fast-forward merges")
	bindPFlag("merge-commit", "merge-commit")

	RootCmd.PersistentFlags().BoolVar(&squash, "squash", false, "Squash pulled commits")
	bindPFlag("squash", "squash")

	RootCmd.PersistentFlags().BoolVar(&allowDiff, "allow-local-changes", false, "Let checkouts overwrite conflicting local changes")
	bindPFlag("allow-local-changes", "allow-local-changes")

	RootCmd.PersistentFlags().StringVar(&stampPath, "stamp-path", "", "Where to record remote check times (defaults to .git/gitbound.stamp)")
	bindPFlag("stamp-path", "stamp-path")

	RootCmd.PersistentFlags().StringVar(&lockPath, "lock-path", "", "Lock file serializing concurrent synchronizations")
	bindPFlag("lock-path", "lock-path")

	RootCmd.PersistentFlags().StringSliceVarP(&excludes, "exclude", "x", nil, "Glob of files to leave out of the outputs. Eg. 'docs/**'")
	bindPFlag("exclude", "exclude")

	RootCmd.PersistentFlags().StringVar(&sshKey, "ssh-key-file", "", "Private key used for ssh remotes")
	bindPFlag("ssh-key-file", "ssh-key-file")

	RootCmd.PersistentFlags().StringVar(&tokenFile, "https-token-file", "", "File holding a token for https remotes")
	bindPFlag("https-token-file", "https-token-file")

	RootCmd.PersistentFlags().BoolVar(&substr, "match-substring", false, "Match branches and tags on a substring of their name")
	bindPFlag("match-substring", "match-substring")

	RootCmd.PersistentFlags().DurationVar(&remoteTmo, "remote-timeout", 0, "Timeout of remote ref listings (0 for none)")
	bindPFlag("remote-timeout", "remote-timeout")

	RootCmd.PersistentFlags().IntVarP(&jobs, "concurrency", "j", 0, "Number of targets synchronized at once")
	bindPFlag("concurrency", "concurrency")

	RootCmd.PersistentFlags().BoolVarP(&watchMode, "watch", "w", false, "Watch mode: keep targets synchronized until interrupted")
	bindPFlag("watch", "watch")

	RootCmd.PersistentFlags().DurationVar(&pollIntv, "poll-interval", time.Minute, "Duration between two consistency rounds in watch mode")
	bindPFlag("poll-interval", "poll-interval")

	RootCmd.PersistentFlags().StringVar(&sumDir, "summary-dir", "", "Where to write build summaries in watch mode")
	bindPFlag("summary-dir", "summary-dir")

	RootCmd.PersistentFlags().IntVarP(&healthP, "healthcheck-port", "p", 0, "Port for answering healthchecks on /health url")
	bindPFlag("healthcheck-port", "healthcheck-port")
}

// for whatever the reason, viper don't auto bind values from config file so we have to tell him
func bindConf(cmd *cobra.Command, args []string) {
	dryRun = viper.GetBool("dry-run")
	quiet = viper.GetBool("quiet")
	watchMode = viper.GetBool("watch")
	logLevel = viper.GetString("log-level")
	logOutput = viper.GetString("log-output")
	logServer = viper.GetString("log-server")
	manifest = viper.GetString("manifest")
	localDir = viper.GetString("local-dir")
	gitURL = viper.GetString("git-url")
	branch = viper.GetString("branch")
	tag = viper.GetString("tag")
	commit = viper.GetString("commit")
	checkIntv = viper.GetDuration("check-interval")
	extraBr = viper.GetStringSlice("extra-branches")
	subm = viper.GetBool("submodules")
	ffMode = viper.GetString("fast-forward")
	strategy = viper.GetString("merge-strategy")
	mergeCmt = viper.GetBool("merge-commit")
	squash = viper.GetBool("squash")
	allowDiff = viper.GetBool("allow-local-changes")
	stampPath = viper.GetString("stamp-path")
	lockPath = viper.GetString("lock-path")
	excludes = viper.GetStringSlice("exclude")
	sshKey = viper.GetString("ssh-key-file")
	tokenFile = viper.GetString("https-token-file")
	substr = viper.GetBool("match-substring")
	remoteTmo = viper.GetDuration("remote-timeout")
	jobs = viper.GetInt("concurrency")
	pollIntv = viper.GetDuration("poll-interval")
	sumDir = viper.GetString("summary-dir")
	healthP = viper.GetInt("healthcheck-port")
}
