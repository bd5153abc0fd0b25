package config

import (
	"runtime"
	"time"

	"github.com/unibuild/unibuild/pkg/deploy"
	"github.com/unibuild/unibuild/pkg/engine"
)

// DefaultConfig returns the configuration used when no file is given, and
// the base that loaded files are layered on.
func DefaultConfig() *Config {
	params := deploy.DefaultParameters()
	health := HealthParams{
		HealthCheckInterval: Duration(params.HealthCheckInterval),
		HealthCheckDeadline: Duration(params.HealthCheckDeadline),
		HealthyThreshold:    params.HealthyThreshold,
		RollbackThreshold:   params.RollbackThreshold,
		InfraRetries:        params.InfraRetries,
		InfraBackoff:        Duration(params.InfraBackoff),
	}

	return &Config{
		Global: GlobalConfig{
			MaxParallel:     runtime.NumCPU(),
			Timeout:         Duration(engine.DefaultOperationTimeout),
			Operations:      append([]string(nil), engine.DefaultOperations...),
			OutputLimit:     engine.DefaultOutputLimit,
			SkipDirs:        append([]string(nil), engine.DefaultSkipDirs...),
			MinConfidence:   0.5,
			MinPatternFiles: 3,
			ResultsDir:      ".unibuild/results",
			MaxRetries:      engine.DefaultMaxRetries,
			RetryBackoff:    Duration(engine.DefaultRetryBackoff),
		},
		Languages:    DefaultLanguages(),
		Environments: map[string]EnvironmentConfig{},
		Strategies: StrategiesConfig{
			BlueGreen: BlueGreenConfig{
				HealthParams:       health,
				SwitchTrafficDelay: Duration(params.SwitchTrafficDelay),
				VerifyWindow:       Duration(params.VerifyWindow),
			},
			Canary: CanaryConfig{
				HealthParams:     health,
				InitialTraffic:   params.InitialTraffic,
				TrafficIncrement: params.TrafficIncrement,
				StepInterval:     Duration(params.StepInterval),
				SuccessThreshold: params.SuccessThreshold,
				TransientRetries: params.TransientRetries,
			},
			Rolling: RollingConfig{
				HealthParams: health,
				BatchSize:    params.BatchSize,
			},
		},
		Hooks: HooksConfig{Toolchain: true},
		Telemetry: TelemetryConfig{
			LogLevel:        "info",
			LogFormat:       "console",
			LogOutput:       "stderr",
			MetricsAddr:     ":9090",
			TracingExporter: "none",
			SamplingRate:    1.0,
		},
		Store: StoreConfig{
			Path:    ".unibuild/history.db",
			Enabled: true,
		},
		Events: EventsConfig{
			Stream: "unibuild:events",
			MaxLen: 10000,
		},
	}
}

func op(command string, timeout time.Duration) OperationConfig {
	return OperationConfig{Command: command, Timeout: Duration(timeout)}
}

func retryable(command string, timeout time.Duration) OperationConfig {
	return OperationConfig{Command: command, Timeout: Duration(timeout), Retryable: true}
}

// DefaultLanguages is the built-in language table. Install steps hit the
// network and are retryable.
func DefaultLanguages() map[string]LanguageConfig {
	return map[string]LanguageConfig{
		string(engine.LanguageJavaScript): {
			ProjectFiles: []string{"package.json"},
			FilePatterns: []string{"*.js", "*.jsx", "*.mjs"},
			Frameworks: []FrameworkConfig{
				{Name: "next", Files: []string{"next.config.js", "next.config.mjs"}},
				{Name: "vue", Files: []string{"vue.config.js"}},
				{Name: "angular", Files: []string{"angular.json"}},
			},
			Toolchain: []string{"node", "npm"},
			Artifacts: []string{"dist/*", "build/*"},
			Operations: map[string]OperationConfig{
				engine.OperationInstall: retryable("npm ci || npm install", 10*time.Minute),
				engine.OperationLint:    op("npm run lint --if-present", 5*time.Minute),
				engine.OperationTest:    op("npm test --if-present", 10*time.Minute),
				engine.OperationBuild:   op("npm run build --if-present", 10*time.Minute),
			},
		},
		string(engine.LanguageTypeScript): {
			ProjectFiles: []string{"tsconfig.json"},
			FilePatterns: []string{"*.ts", "*.tsx"},
			Priority:     10,
			Frameworks: []FrameworkConfig{
				{Name: "next", Files: []string{"next.config.ts", "next.config.js"}},
				{Name: "nest", Files: []string{"nest-cli.json"}},
			},
			Toolchain: []string{"node", "npm"},
			Artifacts: []string{"dist/*"},
			Operations: map[string]OperationConfig{
				engine.OperationInstall: retryable("npm ci || npm install", 10*time.Minute),
				engine.OperationLint:    op("npm run lint --if-present", 5*time.Minute),
				engine.OperationTest:    op("npm test --if-present", 10*time.Minute),
				engine.OperationBuild:   op("npm run build --if-present || npx tsc", 10*time.Minute),
			},
		},
		string(engine.LanguagePython): {
			ProjectFiles: []string{"pyproject.toml", "setup.py", "requirements.txt", "Pipfile"},
			FilePatterns: []string{"*.py"},
			Frameworks: []FrameworkConfig{
				{Name: "django", Files: []string{"manage.py"}},
				{Name: "flask", Files: []string{"app.py", "wsgi.py"}},
			},
			Toolchain: []string{"python3", "pip"},
			Artifacts: []string{"dist/*.whl", "dist/*.tar.gz"},
			Operations: map[string]OperationConfig{
				engine.OperationInstall: retryable("pip install -r requirements.txt || pip install -e .", 10*time.Minute),
				engine.OperationLint:    op("ruff check . || flake8 .", 5*time.Minute),
				engine.OperationTest:    op("pytest", 15*time.Minute),
				engine.OperationBuild:   op("python3 -m build", 10*time.Minute),
			},
		},
		string(engine.LanguageGo): {
			ProjectFiles: []string{"go.mod"},
			FilePatterns: []string{"*.go"},
			Toolchain:    []string{"go"},
			Artifacts:    []string{"bin/*"},
			Operations: map[string]OperationConfig{
				engine.OperationInstall: retryable("go mod download", 10*time.Minute),
				engine.OperationLint:    op("go vet ./...", 5*time.Minute),
				engine.OperationTest:    op("go test ./...", 15*time.Minute),
				engine.OperationBuild:   op("go build -o bin/ ./...", 10*time.Minute),
			},
		},
		string(engine.LanguageRust): {
			ProjectFiles: []string{"Cargo.toml"},
			FilePatterns: []string{"*.rs"},
			Toolchain:    []string{"cargo"},
			Artifacts:    []string{"target/release/*"},
			Operations: map[string]OperationConfig{
				engine.OperationInstall: retryable("cargo fetch", 10*time.Minute),
				engine.OperationLint:    op("cargo clippy -- -D warnings", 10*time.Minute),
				engine.OperationTest:    op("cargo test", 20*time.Minute),
				engine.OperationBuild:   op("cargo build --release", 20*time.Minute),
			},
		},
		string(engine.LanguageJava): {
			ProjectFiles: []string{"pom.xml", "build.gradle", "build.gradle.kts"},
			FilePatterns: []string{"*.java"},
			Frameworks: []FrameworkConfig{
				{Name: "maven", Files: []string{"pom.xml"}},
				{Name: "gradle", Files: []string{"build.gradle", "build.gradle.kts"}},
			},
			Toolchain: []string{"java"},
			Artifacts: []string{"target/*.jar", "build/libs/*.jar"},
			Operations: map[string]OperationConfig{
				engine.OperationInstall: retryable("mvn -B dependency:resolve || gradle dependencies", 15*time.Minute),
				engine.OperationTest:    op("mvn -B test || gradle test", 20*time.Minute),
				engine.OperationBuild:   op("mvn -B package -DskipTests || gradle build -x test", 20*time.Minute),
			},
		},
		string(engine.LanguageCSharp): {
			ProjectFiles: []string{"*.csproj", "*.sln"},
			FilePatterns: []string{"*.cs"},
			Toolchain:    []string{"dotnet"},
			Artifacts:    []string{"bin/Release/*"},
			Operations: map[string]OperationConfig{
				engine.OperationInstall: retryable("dotnet restore", 10*time.Minute),
				engine.OperationTest:    op("dotnet test", 20*time.Minute),
				engine.OperationBuild:   op("dotnet build -c Release", 15*time.Minute),
			},
		},
		string(engine.LanguageCPP): {
			ProjectFiles: []string{"CMakeLists.txt", "Makefile"},
			FilePatterns: []string{"*.cpp", "*.cc", "*.h", "*.hpp"},
			Toolchain:    []string{"cmake", "make"},
			Artifacts:    []string{"build/*"},
			Operations: map[string]OperationConfig{
				engine.OperationInstall: op("cmake -S . -B build || true", 5*time.Minute),
				engine.OperationTest:    op("ctest --test-dir build || make test", 20*time.Minute),
				engine.OperationBuild:   op("cmake --build build || make", 30*time.Minute),
			},
		},
		string(engine.LanguageRuby): {
			ProjectFiles: []string{"Gemfile", "*.gemspec"},
			FilePatterns: []string{"*.rb"},
			Frameworks: []FrameworkConfig{
				{Name: "rails", Files: []string{"config.ru"}},
			},
			Toolchain: []string{"ruby", "bundle"},
			Artifacts: []string{"*.gem", "pkg/*.gem"},
			Operations: map[string]OperationConfig{
				engine.OperationInstall: retryable("bundle install", 10*time.Minute),
				engine.OperationLint:    op("bundle exec rubocop", 5*time.Minute),
				engine.OperationTest:    op("bundle exec rake test || bundle exec rspec", 15*time.Minute),
				engine.OperationBuild:   op("gem build *.gemspec || bundle exec rake build", 10*time.Minute),
			},
		},
		string(engine.LanguagePHP): {
			ProjectFiles: []string{"composer.json"},
			FilePatterns: []string{"*.php"},
			Frameworks: []FrameworkConfig{
				{Name: "laravel", Files: []string{"artisan"}},
				{Name: "symfony", Files: []string{"symfony.lock"}},
			},
			Toolchain: []string{"php", "composer"},
			Operations: map[string]OperationConfig{
				engine.OperationInstall: retryable("composer install --no-interaction", 10*time.Minute),
				engine.OperationTest:    op("vendor/bin/phpunit", 15*time.Minute),
				engine.OperationBuild:   op("composer dump-autoload --optimize", 5*time.Minute),
			},
		},
		string(engine.LanguageShell): {
			FilePatterns: []string{"*.sh", "*.bash"},
			Toolchain:    []string{"sh"},
			Operations: map[string]OperationConfig{
				engine.OperationLint: op("shellcheck *.sh", 2*time.Minute),
				engine.OperationTest: op("for f in *.sh; do sh -n \"$f\" || exit 1; done", 2*time.Minute),
			},
		},
	}
}
