// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observer

import (
	"regexp"
	"sync"

	"github.com/AleutianAI/AleutianForge/services/conductor/datatypes"
)

// CatalogVersion tracks the signature catalogue version. Observer
// output is deterministic for a fixed version.
const CatalogVersion = "2026.08"

// Signature is one threat rule: a regex, a fixed severity, and the
// metadata that flows into the emitted vulnerability record.
//
// Thread Safety: immutable after construction; Match uses sync.Once
// for lazy compilation and is safe for concurrent use.
type Signature struct {
	// Type is the vulnerability type (e.g. reverse_shell).
	Type string

	// Category groups the rule by attack class.
	Category datatypes.ThreatCategory

	// Severity is fixed by the catalogue. The emitter downgrades
	// critical to high only for matches in agent speech.
	Severity datatypes.Severity

	// Pattern is the detection regex.
	Pattern string

	// NegativePattern excludes matches to reduce false positives.
	NegativePattern string

	// Description explains the finding to a human.
	Description string

	compiled     *regexp.Regexp
	compiledNeg  *regexp.Regexp
	compileOnce  sync.Once
	compileNOnce sync.Once
}

// Match returns the first match location in content, or nil.
func (s *Signature) Match(content string) []int {
	s.compileOnce.Do(func() {
		s.compiled = regexp.MustCompile(s.Pattern)
	})
	loc := s.compiled.FindStringIndex(content)
	if loc == nil {
		return nil
	}
	if s.NegativePattern != "" {
		s.compileNOnce.Do(func() {
			s.compiledNeg = regexp.MustCompile(s.NegativePattern)
		})
		if s.compiledNeg.MatchString(content) {
			return nil
		}
	}
	return loc
}

// blockedCategories lists the categories whose critical findings carry
// blocked=true on stream events. Workspace scans never block.
var blockedCategories = map[datatypes.ThreatCategory]bool{
	datatypes.CategoryDangerousCommand: true,
	datatypes.CategoryNetworkAttack:    true,
	datatypes.CategoryCodeInjection:    true,
	datatypes.CategoryPersistence:      true,
	datatypes.CategoryContainerEscape:  true,
	datatypes.CategorySupplyChain:      true,
}

// Catalog returns the versioned signature table in evaluation order.
// The slice and its signatures are shared; treat as read-only.
func Catalog() []*Signature {
	catalogOnce.Do(buildCatalog)
	return catalog
}

var (
	catalog     []*Signature
	catalogOnce sync.Once
)

func buildCatalog() {
	catalog = []*Signature{
		// === dangerous_command ===
		{
			Type: "recursive_delete", Category: datatypes.CategoryDangerousCommand, Severity: datatypes.SeverityCritical,
			Pattern:     `rm\s+(-[a-zA-Z]*r[a-zA-Z]*f|-[a-zA-Z]*f[a-zA-Z]*r)[a-zA-Z]*\s+("?/"?|~|\$HOME|/home|/etc|/usr|/var|\*)`,
			Description: "Recursive forced delete targeting the filesystem root, a home directory, or a wildcard",
		},
		{
			Type: "disk_format", Category: datatypes.CategoryDangerousCommand, Severity: datatypes.SeverityCritical,
			Pattern:     `\b(mkfs(\.\w+)?\s|dd\s+[^|;]*of=/dev/(sd|hd|nvme|vd)|wipefs\s)`,
			Description: "Command that formats or overwrites a block device",
		},
		{
			Type: "fork_bomb", Category: datatypes.CategoryDangerousCommand, Severity: datatypes.SeverityCritical,
			Pattern:     `:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;?\s*:`,
			Description: "Shell fork bomb",
		},
		{
			Type: "system_shutdown", Category: datatypes.CategoryDangerousCommand, Severity: datatypes.SeverityHigh,
			Pattern:     `\b(shutdown\s|reboot\b|poweroff\b|halt\b|init\s+0)`,
			Description: "Host shutdown or reboot attempt",
		},
		{
			Type: "account_mutation", Category: datatypes.CategoryDangerousCommand, Severity: datatypes.SeverityHigh,
			Pattern:     `\b(useradd|userdel|usermod|groupadd|chpasswd|passwd\s+\w)`,
			Description: "User or group account mutation",
		},
		{
			Type: "sudoers_edit", Category: datatypes.CategoryDangerousCommand, Severity: datatypes.SeverityCritical,
			Pattern:     `(>>?\s*/etc/sudoers|/etc/sudoers\.d/|visudo)`,
			Description: "Modification of sudo privileges",
		},
		{
			Type: "world_writable_permission", Category: datatypes.CategoryDangerousCommand, Severity: datatypes.SeverityHigh,
			Pattern:     `chmod\s+(-[a-zA-Z]+\s+)?(777|a\+rwx|o\+w)\b`,
			Description: "Permissions opened to all users",
		},
		{
			Type: "suid_binary", Category: datatypes.CategoryDangerousCommand, Severity: datatypes.SeverityCritical,
			Pattern:     `chmod\s+(-[a-zA-Z]+\s+)?([ug]\+s|[24][0-7]{3})\s+/(usr|bin|sbin|etc)`,
			Description: "SUID/SGID bit set on a system path",
		},
		{
			Type: "security_service_disabled", Category: datatypes.CategoryDangerousCommand, Severity: datatypes.SeverityCritical,
			Pattern:     `systemctl\s+(stop|disable|mask)\s+(auditd|apparmor|firewalld|ufw|fail2ban|selinux)`,
			Description: "Security service stopped or disabled",
		},

		// === network_attack ===
		{
			Type: "reverse_shell", Category: datatypes.CategoryNetworkAttack, Severity: datatypes.SeverityCritical,
			Pattern:     `(bash\s+-i\s*>&\s*/dev/tcp/|/dev/tcp/\d{1,3}(\.\d{1,3}){3}/\d+|nc(at)?\s+[^|;]*(-e|-c)\s|socat\s+[^|;]*exec|python[23]?\s+-c\s+[^|;]*socket[^|;]*subprocess|perl\s+-e\s+[^|;]*socket|ruby\s+-rsocket|php\s+-r\s+[^|;]*fsockopen)`,
			Description: "Reverse shell connecting back to a remote host",
		},
		{
			Type: "remote_code_download", Category: datatypes.CategoryNetworkAttack, Severity: datatypes.SeverityCritical,
			Pattern:     `(curl|wget)\s+[^|;]*\|\s*(ba|z|da)?sh\b`,
			Description: "Remote script piped directly into a shell",
		},
		{
			Type: "data_upload", Category: datatypes.CategoryNetworkAttack, Severity: datatypes.SeverityHigh,
			Pattern:     `(curl\s+[^|;]*(-F\s|--form|-T\s|--upload-file|-d\s+@)|scp\s+\S+\s+\w+@|rsync\s+[^|;]*\s\w+@)`,
			Description: "File upload to a remote host",
		},
		{
			Type: "base64_exfiltration", Category: datatypes.CategoryNetworkAttack, Severity: datatypes.SeverityCritical,
			Pattern:     `base64\s+[^|;]*\|\s*(curl|wget|nc)\b`,
			Description: "Base64-encoded data piped to a network tool",
		},
		{
			Type: "dns_tunneling", Category: datatypes.CategoryNetworkAttack, Severity: datatypes.SeverityHigh,
			Pattern:     `\b(dig|nslookup|host)\s+[^|;]*\$\(`,
			Description: "Data smuggled through DNS lookups",
		},

		// === code_injection ===
		{
			Type: "command_substitution", Category: datatypes.CategoryCodeInjection, Severity: datatypes.SeverityHigh,
			Pattern:     "(\\$\\([^)]*(curl|wget|nc|bash|sh)\\b[^)]*\\)|`[^`]*(curl|wget|bash)[^`]*`)",
			Description: "Command substitution invoking a network tool or shell",
		},
		{
			Type: "pipe_to_shell", Category: datatypes.CategoryCodeInjection, Severity: datatypes.SeverityMedium,
			Pattern:         `\|\s*(ba|z|da)?sh(\s|$)`,
			NegativePattern: `\|\s*shellcheck`,
			Description:     "Output piped into a shell interpreter",
		},
		{
			Type: "sql_injection", Category: datatypes.CategoryCodeInjection, Severity: datatypes.SeverityHigh,
			Pattern:     `(?i)('\s*(or|and)\s+'?1'?\s*=\s*'?1|union\s+select\s|drop\s+table\s|;\s*--|\bsleep\(\d+\)|\bbenchmark\()`,
			Description: "SQL injection shape: tautology, UNION SELECT, DROP TABLE, or timing probe",
		},
		{
			Type: "xss_injection", Category: datatypes.CategoryCodeInjection, Severity: datatypes.SeverityMedium,
			Pattern:     `(?i)(<script[\s>]|javascript:|on(error|load|click|mouseover)\s*=)`,
			Description: "Cross-site scripting payload shape",
		},
		{
			Type: "template_injection", Category: datatypes.CategoryCodeInjection, Severity: datatypes.SeverityLow,
			Pattern:     `(\{\{\s*[\w.|'"()\[\] ]+\s*\}\}|<%[^%]+%>)`,
			Description: "Template delimiters in user-controlled content",
		},
		{
			Type: "eval_usage", Category: datatypes.CategoryCodeInjection, Severity: datatypes.SeverityHigh,
			Pattern:     `\b(eval|exec|compile|__import__)\s*\(`,
			Description: "Dynamic code evaluation",
		},

		// === path_traversal ===
		{
			Type: "path_traversal", Category: datatypes.CategoryPathTraversal, Severity: datatypes.SeverityHigh,
			Pattern:     `((\.\./){2,}|%2[eE]%2[eE]%2[fF]|%2[eE]%2[eE]/|\.\.%2[fF])`,
			Description: "Directory traversal sequence",
		},
		{
			Type: "sensitive_file_access", Category: datatypes.CategoryPathTraversal, Severity: datatypes.SeverityCritical,
			Pattern:     `(/etc/(shadow|sudoers)|\.ssh/(id_rsa|id_ed25519|id_ecdsa)|\.aws/credentials|\.config/gcloud/|/etc/kubernetes/admin\.conf|NTUSER\.DAT|SAM$)`,
			Description: "Access to credential or password files",
		},
		{
			Type: "system_file_access", Category: datatypes.CategoryPathTraversal, Severity: datatypes.SeverityHigh,
			Pattern:     `/etc/passwd`,
			Description: "Access to the system account list",
		},
		{
			Type: "env_file_access", Category: datatypes.CategoryPathTraversal, Severity: datatypes.SeverityMedium,
			Pattern:     `(^|[/\s])\.env(\.[\w]+)?($|\s)`,
			Description: "Access to an environment secrets file",
		},

		// === secret_exposure ===
		{
			Type: "github_token", Category: datatypes.CategorySecretExposure, Severity: datatypes.SeverityCritical,
			Pattern:     `(ghp_[A-Za-z0-9]{36}|github_pat_[A-Za-z0-9_]{22,})`,
			Description: "GitHub personal access token",
		},
		{
			Type: "anthropic_key", Category: datatypes.CategorySecretExposure, Severity: datatypes.SeverityCritical,
			Pattern:     `sk-ant-[A-Za-z0-9_-]{24,}`,
			Description: "Anthropic API key",
		},
		{
			Type: "openai_key", Category: datatypes.CategorySecretExposure, Severity: datatypes.SeverityCritical,
			Pattern:         `sk-(proj-)?[A-Za-z0-9_-]{32,}`,
			NegativePattern: `sk-ant-`,
			Description:     "OpenAI API key",
		},
		{
			Type: "aws_access_key", Category: datatypes.CategorySecretExposure, Severity: datatypes.SeverityCritical,
			Pattern:     `\bAKIA[0-9A-Z]{16}\b`,
			Description: "AWS access key id",
		},
		{
			Type: "google_api_key", Category: datatypes.CategorySecretExposure, Severity: datatypes.SeverityCritical,
			Pattern:     `\bAIza[0-9A-Za-z_-]{35}\b`,
			Description: "Google API key",
		},
		{
			Type: "stripe_key", Category: datatypes.CategorySecretExposure, Severity: datatypes.SeverityCritical,
			Pattern:     `\bsk_live_[0-9A-Za-z]{24,}\b`,
			Description: "Stripe live secret key",
		},
		{
			Type: "slack_token", Category: datatypes.CategorySecretExposure, Severity: datatypes.SeverityHigh,
			Pattern:     `\bxox[baprs]-[0-9A-Za-z-]{10,}\b`,
			Description: "Slack token",
		},
		{
			Type: "private_key_block", Category: datatypes.CategorySecretExposure, Severity: datatypes.SeverityCritical,
			Pattern:     `-----BEGIN\s+(RSA|EC|DSA|OPENSSH|PGP)?\s*PRIVATE\s+KEY-----`,
			Description: "PEM private key block",
		},
		{
			Type: "jwt_token", Category: datatypes.CategorySecretExposure, Severity: datatypes.SeverityHigh,
			Pattern:     `\beyJ[A-Za-z0-9_-]{10,}\.eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\b`,
			Description: "JSON web token",
		},
		{
			Type: "dsn_credentials", Category: datatypes.CategorySecretExposure, Severity: datatypes.SeverityHigh,
			Pattern:     `\b(postgres(ql)?|mysql|mongodb(\+srv)?|redis|amqp)://[^:/\s]+:[^@/\s]+@`,
			Description: "Connection string with embedded credentials",
		},
		{
			Type: "generic_credential", Category: datatypes.CategorySecretExposure, Severity: datatypes.SeverityMedium,
			Pattern:         `(?i)\b(password|passwd|secret|token|api_?key)\s*[=:]\s*['"][A-Za-z0-9+/_!@#$%^&*-]{8,}['"]`,
			NegativePattern: `(?i)(placeholder|example|changeme|your[_-]|<[^>]+>|\$\{)`,
			Description:     "Hardcoded credential assignment",
		},

		// === supply_chain ===
		{
			Type: "typosquat_package", Category: datatypes.CategorySupplyChain, Severity: datatypes.SeverityHigh,
			Pattern:     `(npm\s+i(nstall)?|pip3?\s+install|yarn\s+add)\s+[^|;]*\b(reqeusts|urlib3?|python3-dateutil|crossenv|loadsh|electorn|expresss|babelcli|d3\.js)\b`,
			Description: "Installation of a known typosquat package name",
		},
		{
			Type: "install_scripts_forced", Category: datatypes.CategorySupplyChain, Severity: datatypes.SeverityHigh,
			Pattern:     `(--ignore-scripts\s*=?\s*false|--unsafe-perm)`,
			Description: "Package install scripts forcibly enabled",
		},
		{
			Type: "postinstall_shell", Category: datatypes.CategorySupplyChain, Severity: datatypes.SeverityCritical,
			Pattern:     `"(post|pre)install"\s*:\s*"[^"]*(curl|wget|bash\s|sh\s)`,
			Description: "Package lifecycle hook shelling out to the network",
		},
		{
			Type: "untrusted_registry", Category: datatypes.CategorySupplyChain, Severity: datatypes.SeverityMedium,
			Pattern:         `(--registry|--index-url|-i)\s+https?://\S+`,
			NegativePattern: `(registry\.npmjs\.org|pypi\.org|registry\.yarnpkg\.com)`,
			Description:     "Package installation from a non-default registry",
		},

		// === persistence ===
		{
			Type: "crontab_persistence", Category: datatypes.CategoryPersistence, Severity: datatypes.SeverityHigh,
			Pattern:     `(crontab\s+(-e|\S+)|>>?\s*/etc/cron|/etc/crontab|/var/spool/cron)`,
			Description: "Scheduled-job persistence via cron",
		},
		{
			Type: "systemd_persistence", Category: datatypes.CategoryPersistence, Severity: datatypes.SeverityHigh,
			Pattern:     `((cp|mv|tee|ln)\s+[^|;]*/etc/systemd/system|systemctl\s+enable\s)`,
			Description: "Service persistence via a systemd unit",
		},
		{
			Type: "shell_rc_append", Category: datatypes.CategoryPersistence, Severity: datatypes.SeverityHigh,
			Pattern:     `>>\s*\S*\.(bashrc|zshrc|profile|bash_profile)`,
			Description: "Command appended to a shell startup file",
		},
		{
			Type: "authorized_keys_append", Category: datatypes.CategoryPersistence, Severity: datatypes.SeverityCritical,
			Pattern:     `>>?\s*\S*\.ssh/authorized_keys`,
			Description: "SSH key planted in authorized_keys",
		},
		{
			Type: "initd_persistence", Category: datatypes.CategoryPersistence, Severity: datatypes.SeverityMedium,
			Pattern:     `(/etc/init\.d/\S+|update-rc\.d\s)`,
			Description: "Persistence via init.d scripts",
		},

		// === prompt_injection ===
		{
			Type: "instruction_override", Category: datatypes.CategoryPromptInjection, Severity: datatypes.SeverityHigh,
			Pattern:     `(?i)ignore\s+(all\s+)?(previous|prior|above|earlier)\s+(instructions|prompts|rules|directives)`,
			Description: "Attempt to override prior instructions",
		},
		{
			Type: "role_change_attempt", Category: datatypes.CategoryPromptInjection, Severity: datatypes.SeverityMedium,
			Pattern:     `(?i)(you\s+are\s+now|pretend\s+(to\s+be|you\s+are)|act\s+as)\s+(a\s+|an\s+)?(root|admin(istrator)?|system|unrestricted)`,
			Description: "Attempt to reassign the agent's role",
		},
		{
			Type: "system_prompt_extraction", Category: datatypes.CategoryPromptInjection, Severity: datatypes.SeverityMedium,
			Pattern:     `(?i)(reveal|show|print|repeat|output)\s+(your\s+)?(system\s+prompt|initial\s+instructions|hidden\s+instructions)`,
			Description: "Attempt to extract the system prompt",
		},
		{
			Type: "jailbreak_keyword", Category: datatypes.CategoryPromptInjection, Severity: datatypes.SeverityHigh,
			Pattern:     `(?i)\b(DAN\s+mode|jailbreak|do\s+anything\s+now|developer\s+mode\s+enabled)\b`,
			Description: "Known jailbreak phrasing",
		},
		{
			Type: "fake_system_delimiter", Category: datatypes.CategoryPromptInjection, Severity: datatypes.SeverityHigh,
			Pattern:     `(?i)(\[system\]|<\|system\|>|###\s*system\s*:)`,
			Description: "Counterfeit system message delimiter",
		},

		// === container_escape ===
		{
			Type: "privileged_container", Category: datatypes.CategoryContainerEscape, Severity: datatypes.SeverityCritical,
			Pattern:     `docker\s+run\s+[^|;]*--privileged`,
			Description: "Privileged container launch",
		},
		{
			Type: "host_root_mount", Category: datatypes.CategoryContainerEscape, Severity: datatypes.SeverityCritical,
			Pattern:     `docker\s+run\s+[^|;]*-v\s+/:[^\s]+`,
			Description: "Host root filesystem mounted into a container",
		},
		{
			Type: "dangerous_capability", Category: datatypes.CategoryContainerEscape, Severity: datatypes.SeverityCritical,
			Pattern:     `--cap-add\s*=?\s*(SYS_ADMIN|SYS_PTRACE|SYS_MODULE|ALL)`,
			Description: "Container granted a kernel-level capability",
		},
		{
			Type: "host_namespace", Category: datatypes.CategoryContainerEscape, Severity: datatypes.SeverityHigh,
			Pattern:     `--(pid|net|ipc)\s*=?\s*host`,
			Description: "Container sharing a host namespace",
		},
		{
			Type: "nsenter_escape", Category: datatypes.CategoryContainerEscape, Severity: datatypes.SeverityCritical,
			Pattern:     `nsenter\s+(-t\s*1\b|--target[\s=]1\b)`,
			Description: "Namespace entry into the host init process",
		},
		{
			Type: "serviceaccount_token_access", Category: datatypes.CategoryContainerEscape, Severity: datatypes.SeverityHigh,
			Pattern:     `/var/run/secrets/kubernetes\.io/serviceaccount`,
			Description: "Kubernetes service-account token access",
		},
	}
}

// infiniteLoopType is emitted by the loop detector, not a regex rule.
const infiniteLoopType = "infinite_loop"

// owaspByType maps vulnerability type to its OWASP Top 10 category.
var owaspByType = map[string]string{
	"recursive_delete":            "A05:2021-Security Misconfiguration",
	"disk_format":                 "A05:2021-Security Misconfiguration",
	"fork_bomb":                   "A05:2021-Security Misconfiguration",
	"system_shutdown":             "A05:2021-Security Misconfiguration",
	"account_mutation":            "A01:2021-Broken Access Control",
	"sudoers_edit":                "A01:2021-Broken Access Control",
	"world_writable_permission":   "A01:2021-Broken Access Control",
	"suid_binary":                 "A01:2021-Broken Access Control",
	"security_service_disabled":   "A05:2021-Security Misconfiguration",
	"reverse_shell":               "A05:2021-Security Misconfiguration",
	"remote_code_download":        "A08:2021-Software and Data Integrity Failures",
	"data_upload":                 "A01:2021-Broken Access Control",
	"base64_exfiltration":         "A01:2021-Broken Access Control",
	"dns_tunneling":               "A05:2021-Security Misconfiguration",
	"command_substitution":        "A03:2021-Injection",
	"pipe_to_shell":               "A03:2021-Injection",
	"sql_injection":               "A03:2021-Injection",
	"xss_injection":               "A03:2021-Injection",
	"template_injection":          "A03:2021-Injection",
	"eval_usage":                  "A03:2021-Injection",
	"path_traversal":              "A01:2021-Broken Access Control",
	"sensitive_file_access":       "A01:2021-Broken Access Control",
	"system_file_access":          "A01:2021-Broken Access Control",
	"env_file_access":             "A02:2021-Cryptographic Failures",
	"github_token":                "A02:2021-Cryptographic Failures",
	"anthropic_key":               "A02:2021-Cryptographic Failures",
	"openai_key":                  "A02:2021-Cryptographic Failures",
	"aws_access_key":              "A02:2021-Cryptographic Failures",
	"google_api_key":              "A02:2021-Cryptographic Failures",
	"stripe_key":                  "A02:2021-Cryptographic Failures",
	"slack_token":                 "A02:2021-Cryptographic Failures",
	"private_key_block":           "A02:2021-Cryptographic Failures",
	"jwt_token":                   "A02:2021-Cryptographic Failures",
	"dsn_credentials":             "A02:2021-Cryptographic Failures",
	"generic_credential":          "A07:2021-Identification and Authentication Failures",
	"typosquat_package":           "A08:2021-Software and Data Integrity Failures",
	"install_scripts_forced":      "A08:2021-Software and Data Integrity Failures",
	"postinstall_shell":           "A08:2021-Software and Data Integrity Failures",
	"untrusted_registry":          "A08:2021-Software and Data Integrity Failures",
	"crontab_persistence":         "A05:2021-Security Misconfiguration",
	"systemd_persistence":         "A05:2021-Security Misconfiguration",
	"shell_rc_append":             "A05:2021-Security Misconfiguration",
	"authorized_keys_append":      "A01:2021-Broken Access Control",
	"initd_persistence":           "A05:2021-Security Misconfiguration",
	"instruction_override":        "A03:2021-Injection",
	"role_change_attempt":         "A03:2021-Injection",
	"system_prompt_extraction":    "A03:2021-Injection",
	"jailbreak_keyword":           "A03:2021-Injection",
	"fake_system_delimiter":       "A03:2021-Injection",
	"privileged_container":        "A05:2021-Security Misconfiguration",
	"host_root_mount":             "A05:2021-Security Misconfiguration",
	"dangerous_capability":        "A05:2021-Security Misconfiguration",
	"host_namespace":              "A05:2021-Security Misconfiguration",
	"nsenter_escape":              "A05:2021-Security Misconfiguration",
	"serviceaccount_token_access": "A01:2021-Broken Access Control",
	infiniteLoopType:              "A05:2021-Security Misconfiguration",
}

// cweByType maps vulnerability type to its CWE id.
var cweByType = map[string]string{
	"recursive_delete":            "CWE-78",
	"disk_format":                 "CWE-78",
	"fork_bomb":                   "CWE-400",
	"system_shutdown":             "CWE-78",
	"account_mutation":            "CWE-269",
	"sudoers_edit":                "CWE-269",
	"world_writable_permission":   "CWE-732",
	"suid_binary":                 "CWE-732",
	"security_service_disabled":   "CWE-284",
	"reverse_shell":               "CWE-78",
	"remote_code_download":        "CWE-494",
	"data_upload":                 "CWE-200",
	"base64_exfiltration":         "CWE-200",
	"dns_tunneling":               "CWE-200",
	"command_substitution":        "CWE-78",
	"pipe_to_shell":               "CWE-78",
	"sql_injection":               "CWE-89",
	"xss_injection":               "CWE-79",
	"template_injection":          "CWE-1336",
	"eval_usage":                  "CWE-95",
	"path_traversal":              "CWE-22",
	"sensitive_file_access":       "CWE-522",
	"system_file_access":          "CWE-200",
	"env_file_access":             "CWE-538",
	"github_token":                "CWE-798",
	"anthropic_key":               "CWE-798",
	"openai_key":                  "CWE-798",
	"aws_access_key":              "CWE-798",
	"google_api_key":              "CWE-798",
	"stripe_key":                  "CWE-798",
	"slack_token":                 "CWE-798",
	"private_key_block":           "CWE-321",
	"jwt_token":                   "CWE-522",
	"dsn_credentials":             "CWE-798",
	"generic_credential":          "CWE-798",
	"typosquat_package":           "CWE-829",
	"install_scripts_forced":      "CWE-829",
	"postinstall_shell":           "CWE-829",
	"untrusted_registry":          "CWE-829",
	"crontab_persistence":         "CWE-78",
	"systemd_persistence":         "CWE-78",
	"shell_rc_append":             "CWE-78",
	"authorized_keys_append":      "CWE-798",
	"initd_persistence":           "CWE-78",
	"instruction_override":        "CWE-77",
	"role_change_attempt":         "CWE-77",
	"system_prompt_extraction":    "CWE-200",
	"jailbreak_keyword":           "CWE-77",
	"fake_system_delimiter":       "CWE-77",
	"privileged_container":        "CWE-250",
	"host_root_mount":             "CWE-668",
	"dangerous_capability":        "CWE-250",
	"host_namespace":              "CWE-668",
	"nsenter_escape":              "CWE-250",
	"serviceaccount_token_access": "CWE-522",
	infiniteLoopType:              "CWE-835",
}

// recommendationByType maps vulnerability type to remediation guidance.
var recommendationByType = map[string]string{
	"recursive_delete":            "Scope deletions to the task workspace; never touch system or home directories.",
	"disk_format":                 "Block device operations do not belong in an agent workspace.",
	"fork_bomb":                   "Terminate the session; the command exhausts host processes.",
	"system_shutdown":             "Agents must not manage host power state.",
	"account_mutation":            "Account changes require operator review outside the agent flow.",
	"sudoers_edit":                "Never grant the agent elevated privileges; audit the sudoers file.",
	"world_writable_permission":   "Use the narrowest permission bits the task requires.",
	"suid_binary":                 "Remove the SUID/SGID bit; audit the binary for tampering.",
	"security_service_disabled":   "Re-enable the service and review why it was disabled.",
	"reverse_shell":               "Terminate the session and rotate any credentials reachable from the host.",
	"remote_code_download":        "Download, inspect, and checksum scripts before executing them.",
	"data_upload":                 "Review what was uploaded and to where; restrict egress from the sandbox.",
	"base64_exfiltration":         "Inspect the encoded payload; restrict egress from the sandbox.",
	"dns_tunneling":               "Restrict DNS resolution to a local resolver; inspect the query content.",
	"command_substitution":        "Avoid nesting network fetches inside command substitution.",
	"pipe_to_shell":               "Write the script to a file and review it before execution.",
	"sql_injection":               "Use parameterized queries; never interpolate input into SQL.",
	"xss_injection":               "Escape output for its HTML context; use a templating engine with auto-escaping.",
	"template_injection":          "Treat template input as data; never render user input as a template.",
	"eval_usage":                  "Replace dynamic evaluation with explicit dispatch.",
	"path_traversal":              "Canonicalize paths and verify they stay inside the workspace root.",
	"sensitive_file_access":       "Credential files are out of bounds; provide secrets through the vault.",
	"system_file_access":          "System account files are out of bounds for the agent.",
	"env_file_access":             "Environment files are injected by the workspace coordinator; do not read them directly.",
	"github_token":                "Revoke the token and move it to the credential vault.",
	"anthropic_key":               "Revoke the key and move it to the credential vault.",
	"openai_key":                  "Revoke the key and move it to the credential vault.",
	"aws_access_key":              "Rotate the key pair and move it to the credential vault.",
	"google_api_key":              "Rotate the key and restrict it by referrer/IP.",
	"stripe_key":                  "Roll the live key immediately; it grants payment access.",
	"slack_token":                 "Revoke the token and re-issue with minimal scopes.",
	"private_key_block":           "Remove the key from the repository and rotate it.",
	"jwt_token":                   "Invalidate the session the token belongs to; shorten token lifetimes.",
	"dsn_credentials":             "Move connection credentials to configuration injected at runtime.",
	"generic_credential":          "Move the credential to the vault and reference it by name.",
	"typosquat_package":           "Verify the intended package name against the registry before installing.",
	"install_scripts_forced":      "Leave install scripts disabled; audit packages that require them.",
	"postinstall_shell":           "Pin the dependency and review its lifecycle hooks.",
	"untrusted_registry":          "Install only from the default registry or an approved mirror.",
	"crontab_persistence":         "The workspace is ephemeral; scheduled jobs indicate persistence-seeking.",
	"systemd_persistence":         "Remove the unit and audit when it was installed.",
	"shell_rc_append":             "Remove the appended line; startup files are out of bounds.",
	"authorized_keys_append":      "Remove the planted key and rotate host access.",
	"initd_persistence":           "Remove the init script and audit when it was installed.",
	"instruction_override":        "Treat the content as untrusted data, not instructions.",
	"role_change_attempt":         "Treat the content as untrusted data, not instructions.",
	"system_prompt_extraction":    "Do not echo configuration or prompts into agent-visible output.",
	"jailbreak_keyword":           "Treat the content as untrusted data, not instructions.",
	"fake_system_delimiter":       "Strip counterfeit delimiters before further processing.",
	"privileged_container":        "Run containers unprivileged; grant individual capabilities if needed.",
	"host_root_mount":             "Mount only the task workspace into containers.",
	"dangerous_capability":        "Drop the capability; none of the agent's tasks require it.",
	"host_namespace":              "Keep containers in their own namespaces.",
	"nsenter_escape":              "Terminate the session; this is a container breakout primitive.",
	"serviceaccount_token_access": "Scope the pod's service account to the minimum required.",
	infiniteLoopType:              "Abort the session or tighten the prompt; the agent is not converging.",
}
