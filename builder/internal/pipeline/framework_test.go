package pipeline

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestDetectFramework(t *testing.T) {
	cases := []struct {
		name    string
		files   map[string]string
		kind    FrameworkKind
		install string
		build   string
		output  string
	}{
		{
			name:   "plain html",
			files:  map[string]string{"index.html": "<h1>hi</h1>"},
			kind:   FrameworkStatic,
			output: ".",
		},
		{
			name:   "manifest without build script",
			files:  map[string]string{"package.json": `{"name":"site"}`},
			kind:   FrameworkStatic,
			output: ".",
		},
		{
			name:    "static with build script",
			files:   map[string]string{"package.json": `{"scripts":{"build":"node build.js"}}`},
			kind:    FrameworkStatic,
			install: "npm install",
			build:   "npm run build",
			output:  "dist",
		},
		{
			name: "next with npm lockfile",
			files: map[string]string{
				"package.json":      `{"dependencies":{"next":"14.0.0","react":"18.2.0"}}`,
				"package-lock.json": "{}",
			},
			kind:    FrameworkNextjs,
			install: "npm ci",
			build:   "npm run build",
			output:  "out",
		},
		{
			name: "react scripts with yarn",
			files: map[string]string{
				"package.json": `{"dependencies":{"react":"18.2.0","react-scripts":"5.0.1"}}`,
				"yarn.lock":    "",
			},
			kind:    FrameworkReact,
			install: "yarn install --frozen-lockfile",
			build:   "yarn run build",
			output:  "build",
		},
		{
			name:    "react with vite",
			files:   map[string]string{"package.json": `{"dependencies":{"react":"18"},"devDependencies":{"vite":"5"}}`},
			kind:    FrameworkReact,
			install: "npm install",
			build:   "npm run build",
			output:  "dist",
		},
		{
			name: "vue with pnpm",
			files: map[string]string{
				"package.json":   `{"dependencies":{"vue":"3.4.0"}}`,
				"pnpm-lock.yaml": "",
			},
			kind:    FrameworkVue,
			install: "pnpm install --frozen-lockfile",
			build:   "pnpm run build",
			output:  "dist",
		},
		{
			name:    "sveltekit",
			files:   map[string]string{"package.json": `{"devDependencies":{"@sveltejs/kit":"2","svelte":"4"}}`},
			kind:    FrameworkSvelte,
			install: "npm install",
			build:   "npm run build",
			output:  "build",
		},
		{
			name:    "svelte without kit",
			files:   map[string]string{"package.json": `{"devDependencies":{"svelte":"3"}}`},
			kind:    FrameworkSvelte,
			install: "npm install",
			build:   "npm run build",
			output:  "public",
		},
		{
			name:    "gatsby",
			files:   map[string]string{"package.json": `{"dependencies":{"gatsby":"5","react":"18"}}`},
			kind:    FrameworkGatsby,
			install: "npm install",
			build:   "npm run build",
			output:  "public",
		},
		{
			name:    "nuxt beats vue",
			files:   map[string]string{"package.json": `{"dependencies":{"nuxt":"3","vue":"3"}}`},
			kind:    FrameworkNuxt,
			install: "npm install",
			build:   "npm run build",
			output:  ".output/public",
		},
		{
			name:    "packageManager field beats lockfiles",
			files:   map[string]string{"package.json": `{"packageManager":"pnpm@9.1.0","dependencies":{"vue":"3"}}`, "yarn.lock": ""},
			kind:    FrameworkVue,
			install: "pnpm install",
			build:   "pnpm run build",
			output:  "dist",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			for name, body := range tc.files {
				writeFile(t, filepath.Join(dir, name), body)
			}
			fw, err := DetectFramework(dir)
			if err != nil {
				t.Fatalf("DetectFramework: %v", err)
			}
			if fw.Kind != tc.kind || fw.InstallCommand != tc.install || fw.BuildCommand != tc.build || fw.OutputDirectory != tc.output {
				t.Fatalf("unexpected framework %+v", fw)
			}
		})
	}
}

func TestDetectFrameworkMalformedManifest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "package.json"), "{")
	if _, err := DetectFramework(dir); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestParseFrameworkKind(t *testing.T) {
	if kind, ok := ParseFrameworkKind(" Next "); !ok || kind != FrameworkNextjs {
		t.Fatalf("unexpected kind %q %v", kind, ok)
	}
	if _, ok := ParseFrameworkKind("rails"); ok {
		t.Fatal("expected unknown framework")
	}
}
