package dashboard

// HTML templates for the dashboard pages.
// These are embedded as strings and parsed at runtime.

const layoutTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>tern Dashboard</title>
    <script src="https://cdn.tailwindcss.com"></script>
    <style>
        /* Custom scrollbar */
        ::-webkit-scrollbar { width: 8px; height: 8px; }
        ::-webkit-scrollbar-track { background: #1f2937; }
        ::-webkit-scrollbar-thumb { background: #4b5563; border-radius: 4px; }
        ::-webkit-scrollbar-thumb:hover { background: #6b7280; }

        /* Custom styles */
        .mono { font-family: ui-monospace, SFMono-Regular, Menlo, Monaco, Consolas, monospace; }
        .truncate-hash { max-width: 200px; overflow: hidden; text-overflow: ellipsis; white-space: nowrap; }

        /* Animation for running indicator */
        @keyframes pulse { 0%, 100% { opacity: 1; } 50% { opacity: 0.5; } }
        .animate-pulse { animation: pulse 2s cubic-bezier(0.4, 0, 0.6, 1) infinite; }

        /* Disassembly and trace panels */
        .asm-listing { max-height: 480px; overflow-y: auto; }
    </style>
</head>
<body class="bg-gray-900 text-gray-100 min-h-screen">
    <!-- Navigation -->
    <nav class="bg-gray-800 border-b border-gray-700 sticky top-0 z-50">
        <div class="container mx-auto px-4">
            <div class="flex items-center justify-between h-16">
                <div class="flex items-center space-x-8">
                    <a href="/" class="flex items-center space-x-2">
                        <svg class="w-8 h-8 text-blue-500" fill="currentColor" viewBox="0 0 24 24">
                            <path d="M4 4h16v4H4zM4 10h10v4H4zM4 16h16v4H4z"/>
                        </svg>
                        <span class="text-xl font-bold text-white">tern</span>
                    </a>
                    <div class="hidden md:flex items-center space-x-4">
                        <a href="/" class="px-3 py-2 rounded-md text-sm font-medium {{if eq .PageName "home"}}bg-gray-900 text-white{{else}}text-gray-300 hover:bg-gray-700 hover:text-white{{end}}">Overview</a>
                        <a href="/programs" class="px-3 py-2 rounded-md text-sm font-medium {{if eq .PageName "programs"}}bg-gray-900 text-white{{else}}text-gray-300 hover:bg-gray-700 hover:text-white{{end}}">Programs</a>
                        <a href="/runs" class="px-3 py-2 rounded-md text-sm font-medium {{if eq .PageName "runs"}}bg-gray-900 text-white{{else}}text-gray-300 hover:bg-gray-700 hover:text-white{{end}}">Runs</a>
                        <a href="/settings" class="px-3 py-2 rounded-md text-sm font-medium {{if eq .PageName "settings"}}bg-gray-900 text-white{{else}}text-gray-300 hover:bg-gray-700 hover:text-white{{end}}">Settings</a>
                    </div>
                </div>
                <div class="flex items-center space-x-4">
                    <div id="node-status" class="flex items-center space-x-2">
                        <span class="w-2 h-2 rounded-full bg-green-500"></span>
                        <span class="text-sm text-gray-300">Serving</span>
                    </div>
                </div>
            </div>
        </div>
    </nav>

    <!-- Main Content -->
    <main class="container mx-auto px-4 py-6">
        {{.Content}}
    </main>

    <!-- Footer -->
    <footer class="bg-gray-800 border-t border-gray-700 mt-8 py-4">
        <div class="container mx-auto px-4 text-center text-gray-400 text-sm">
            tern Execution Node | <span id="current-time"></span>
        </div>
    </footer>

    <!-- Auto-refresh script -->
    <script>
        // Update current time
        function updateTime() {
            const now = new Date();
            document.getElementById('current-time').textContent = now.toUTCString();
        }
        updateTime();
        setInterval(updateTime, 1000);

        // Auto-refresh status for home page
        if (window.location.pathname === '/') {
            setInterval(async () => {
                try {
                    const resp = await fetch('/api/status');
                    const data = await resp.json();

                    const runsEl = document.getElementById('runs-executed');
                    if (runsEl) runsEl.textContent = data.runsExecuted?.toLocaleString() || '0';

                    const stepsEl = document.getElementById('steps-executed');
                    if (stepsEl) stepsEl.textContent = data.stepsExecuted?.toLocaleString() || '0';

                    const programsEl = document.getElementById('program-count');
                    if (programsEl) programsEl.textContent = data.programCount?.toLocaleString() || '0';

                    const uptimeEl = document.getElementById('uptime');
                    if (uptimeEl) uptimeEl.textContent = data.uptime || '0s';

                    const statusEl = document.getElementById('node-status');
                    if (statusEl) {
                        const dot = statusEl.querySelector('span:first-child');
                        const text = statusEl.querySelector('span:last-child');
                        if (data.isRunning) {
                            dot.className = 'w-2 h-2 rounded-full bg-green-500';
                            text.textContent = 'Serving';
                        } else {
                            dot.className = 'w-2 h-2 rounded-full bg-red-500';
                            text.textContent = 'Stopped';
                        }
                    }
                } catch (e) {
                    console.error('Failed to fetch status:', e);
                }
            }, 5000);
        }
    </script>
</body>
</html>`

const homeTemplate = `
<div class="space-y-6">
    <!-- Status Cards -->
    <div class="grid grid-cols-1 md:grid-cols-2 lg:grid-cols-4 gap-4">
        <!-- Runs Executed -->
        <div class="bg-gray-800 rounded-lg p-6 border border-gray-700">
            <div class="flex items-center justify-between">
                <div>
                    <p class="text-gray-400 text-sm font-medium">Runs Executed</p>
                    <p class="text-3xl font-bold text-white mt-1" id="runs-executed">{{formatNumber .RunsExecuted}}</p>
                    {{if .RunsPerSec}}<p class="text-sm text-gray-500 mt-1">{{printf "%.2f" .RunsPerSec}} runs/sec</p>{{end}}
                </div>
                <div class="p-3 bg-blue-500/10 rounded-full">
                    <svg class="w-6 h-6 text-blue-500" fill="none" stroke="currentColor" viewBox="0 0 24 24">
                        <path stroke-linecap="round" stroke-linejoin="round" stroke-width="2" d="M13 10V3L4 14h7v7l9-11h-7z"/>
                    </svg>
                </div>
            </div>
        </div>

        <!-- Node Status -->
        <div class="bg-gray-800 rounded-lg p-6 border border-gray-700">
            <div class="flex items-center justify-between">
                <div>
                    <p class="text-gray-400 text-sm font-medium">Node Status</p>
                    <p class="text-3xl font-bold mt-1 {{if .IsRunning}}text-green-500{{else}}text-red-500{{end}}">{{.NodeStatus}}</p>
                </div>
                <div class="p-3 {{if .IsRunning}}bg-green-500/10{{else}}bg-red-500/10{{end}} rounded-full">
                    <svg class="w-6 h-6 {{if .IsRunning}}text-green-500{{else}}text-red-500{{end}}" fill="none" stroke="currentColor" viewBox="0 0 24 24">
                        <path stroke-linecap="round" stroke-linejoin="round" stroke-width="2" d="M9 12l2 2 4-4m6 2a9 9 0 11-18 0 9 9 0 0118 0z"/>
                    </svg>
                </div>
            </div>
        </div>

        <!-- Instructions Stepped -->
        <div class="bg-gray-800 rounded-lg p-6 border border-gray-700">
            <div class="flex items-center justify-between">
                <div>
                    <p class="text-gray-400 text-sm font-medium">Instructions Stepped</p>
                    <p class="text-3xl font-bold text-white mt-1" id="steps-executed">{{formatNumber .StepsExecuted}}</p>
                    {{if .AvgRunTimeMs}}<p class="text-sm text-gray-500 mt-1">{{printf "%.2f" .AvgRunTimeMs}} ms/run</p>{{end}}
                </div>
                <div class="p-3 bg-purple-500/10 rounded-full">
                    <svg class="w-6 h-6 text-purple-500" fill="none" stroke="currentColor" viewBox="0 0 24 24">
                        <path stroke-linecap="round" stroke-linejoin="round" stroke-width="2" d="M19 11H5m14 0a2 2 0 012 2v6a2 2 0 01-2 2H5a2 2 0 01-2-2v-6a2 2 0 012-2m14 0V9a2 2 0 00-2-2M5 11V9a2 2 0 012-2m0 0V5a2 2 0 012-2h6a2 2 0 012 2v2M7 7h10"/>
                    </svg>
                </div>
            </div>
        </div>

        <!-- Uptime -->
        <div class="bg-gray-800 rounded-lg p-6 border border-gray-700">
            <div class="flex items-center justify-between">
                <div>
                    <p class="text-gray-400 text-sm font-medium">Uptime</p>
                    <p class="text-3xl font-bold text-white mt-1" id="uptime">{{formatDuration .Uptime}}</p>
                </div>
                <div class="p-3 bg-green-500/10 rounded-full">
                    <svg class="w-6 h-6 text-green-500" fill="none" stroke="currentColor" viewBox="0 0 24 24">
                        <path stroke-linecap="round" stroke-linejoin="round" stroke-width="2" d="M12 8v4l3 3m6-3a9 9 0 11-18 0 9 9 0 0118 0z"/>
                    </svg>
                </div>
            </div>
        </div>
    </div>

    {{if .LastError}}
    <!-- Error Alert -->
    <div class="bg-red-900/50 border border-red-500 rounded-lg p-4">
        <div class="flex items-center">
            <svg class="w-5 h-5 text-red-500 mr-2" fill="none" stroke="currentColor" viewBox="0 0 24 24">
                <path stroke-linecap="round" stroke-linejoin="round" stroke-width="2" d="M12 8v4m0 4h.01M21 12a9 9 0 11-18 0 9 9 0 0118 0z"/>
            </svg>
            <span class="text-red-200 text-sm">{{.LastError}}</span>
        </div>
    </div>
    {{end}}

    <!-- Recent Runs -->
    <div class="bg-gray-800 rounded-lg border border-gray-700">
        <div class="px-6 py-4 border-b border-gray-700 flex items-center justify-between">
            <h2 class="text-lg font-semibold text-white">Recent Runs</h2>
            <a href="/runs" class="text-sm text-blue-400 hover:text-blue-300">View all</a>
        </div>
        {{if .RecentRuns}}
        <table class="w-full text-sm">
            <thead>
                <tr class="text-left text-gray-400 border-b border-gray-700">
                    <th class="px-6 py-3">Run</th>
                    <th class="px-6 py-3">Program</th>
                    <th class="px-6 py-3">State</th>
                    <th class="px-6 py-3">Steps</th>
                    <th class="px-6 py-3">Started</th>
                </tr>
            </thead>
            <tbody>
                {{range .RecentRuns}}
                <tr class="border-b border-gray-700/50 hover:bg-gray-700/30">
                    <td class="px-6 py-3"><a href="/runs/{{.RunID}}" class="mono text-blue-400 hover:text-blue-300">{{truncateHash .RunID.String 8}}</a></td>
                    <td class="px-6 py-3"><a href="/programs/{{.ImageID}}" class="mono text-gray-300 hover:text-white">{{truncateHash .ImageID.String 8}}</a></td>
                    <td class="px-6 py-3"><span class="{{stateColor .State}}">{{.State}}</span></td>
                    <td class="px-6 py-3 text-gray-300">{{formatNumber .Steps}}</td>
                    <td class="px-6 py-3 text-gray-400">{{formatTime .StartedAt}}</td>
                </tr>
                {{end}}
            </tbody>
        </table>
        {{else}}
        <p class="px-6 py-8 text-gray-500 text-center">No runs recorded yet</p>
        {{end}}
    </div>

    <!-- Recent Programs -->
    <div class="bg-gray-800 rounded-lg border border-gray-700">
        <div class="px-6 py-4 border-b border-gray-700 flex items-center justify-between">
            <h2 class="text-lg font-semibold text-white">Recent Programs <span class="text-gray-500 text-sm">({{formatNumber .ProgramCount}} stored)</span></h2>
            <a href="/programs" class="text-sm text-blue-400 hover:text-blue-300">View all</a>
        </div>
        {{if .RecentPrograms}}
        <table class="w-full text-sm">
            <thead>
                <tr class="text-left text-gray-400 border-b border-gray-700">
                    <th class="px-6 py-3">ID</th>
                    <th class="px-6 py-3">Name</th>
                    <th class="px-6 py-3">Code</th>
                    <th class="px-6 py-3">Memory</th>
                    <th class="px-6 py-3">Stored</th>
                </tr>
            </thead>
            <tbody>
                {{range .RecentPrograms}}
                <tr class="border-b border-gray-700/50 hover:bg-gray-700/30">
                    <td class="px-6 py-3"><a href="/programs/{{.ID}}" class="mono text-blue-400 hover:text-blue-300">{{truncateHash .ID.String 8}}</a></td>
                    <td class="px-6 py-3 text-gray-300">{{if .Name}}{{.Name}}{{else}}&mdash;{{end}}</td>
                    <td class="px-6 py-3 text-gray-300">{{.CodeSlots}} slots</td>
                    <td class="px-6 py-3 text-gray-300">{{formatBytes .MemSize}}</td>
                    <td class="px-6 py-3 text-gray-400">{{formatTime .CreatedAt}}</td>
                </tr>
                {{end}}
            </tbody>
        </table>
        {{else}}
        <p class="px-6 py-8 text-gray-500 text-center">No programs stored yet</p>
        {{end}}
    </div>
</div>
`

const programsTemplate = `
<div class="space-y-6">
    <div class="flex items-center justify-between">
        <h1 class="text-2xl font-bold text-white">Programs</h1>
        <span class="text-gray-400">{{formatNumber .Count}} stored</span>
    </div>

    <div class="bg-gray-800 rounded-lg border border-gray-700 overflow-x-auto">
        {{if .Programs}}
        <table class="w-full text-sm">
            <thead>
                <tr class="text-left text-gray-400 border-b border-gray-700">
                    <th class="px-6 py-3">ID</th>
                    <th class="px-6 py-3">Name</th>
                    <th class="px-6 py-3">Size</th>
                    <th class="px-6 py-3">Code</th>
                    <th class="px-6 py-3">Data</th>
                    <th class="px-6 py-3">Memory</th>
                    <th class="px-6 py-3">Stored</th>
                </tr>
            </thead>
            <tbody>
                {{range .Programs}}
                <tr class="border-b border-gray-700/50 hover:bg-gray-700/30">
                    <td class="px-6 py-3"><a href="/programs/{{.ID}}" class="mono text-blue-400 hover:text-blue-300">{{truncateHash .ID.String 10}}</a></td>
                    <td class="px-6 py-3 text-gray-300">{{if .Name}}{{.Name}}{{else}}&mdash;{{end}}</td>
                    <td class="px-6 py-3 text-gray-300">{{formatBytes .Size}}</td>
                    <td class="px-6 py-3 text-gray-300">{{.CodeSlots}} slots</td>
                    <td class="px-6 py-3 text-gray-300">{{.DataLen}} B</td>
                    <td class="px-6 py-3 text-gray-300">{{formatBytes .MemSize}}</td>
                    <td class="px-6 py-3 text-gray-400">{{formatTime .CreatedAt}}</td>
                </tr>
                {{end}}
            </tbody>
        </table>
        {{else}}
        <p class="px-6 py-8 text-gray-500 text-center">No programs stored yet</p>
        {{end}}
    </div>
</div>
`

const programDetailTemplate = `
<div class="space-y-6">
    {{if .Error}}
    <div class="bg-red-900/50 border border-red-500 rounded-lg p-4">
        <span class="text-red-200">{{.Error}}</span>
    </div>
    <a href="/programs" class="text-blue-400 hover:text-blue-300">&larr; Back to programs</a>
    {{else}}
    <div class="flex items-center justify-between">
        <h1 class="text-2xl font-bold text-white">Program {{if .Meta.Name}}{{.Meta.Name}}{{end}}</h1>
        <a href="/programs" class="text-sm text-blue-400 hover:text-blue-300">&larr; Back to programs</a>
    </div>

    <div class="bg-gray-800 rounded-lg border border-gray-700 p-6">
        <dl class="grid grid-cols-1 md:grid-cols-2 gap-4 text-sm">
            <div>
                <dt class="text-gray-400">ID</dt>
                <dd class="mono text-gray-200 break-all">{{.ID}}</dd>
            </div>
            <div>
                <dt class="text-gray-400">Stored</dt>
                <dd class="text-gray-200">{{formatTime .Meta.CreatedAt}}</dd>
            </div>
            <div>
                <dt class="text-gray-400">Code</dt>
                <dd class="text-gray-200">{{.Meta.CodeSlots}} slots ({{formatBytes .Meta.Size}} total)</dd>
            </div>
            <div>
                <dt class="text-gray-400">Data Segment</dt>
                <dd class="text-gray-200">{{.Meta.DataLen}} bytes</dd>
            </div>
            <div>
                <dt class="text-gray-400">Memory</dt>
                <dd class="text-gray-200">{{formatBytes .Meta.MemSize}}</dd>
            </div>
            <div>
                <dt class="text-gray-400">Entry Point</dt>
                <dd class="mono text-gray-200">slot {{.Meta.Entry}}</dd>
            </div>
        </dl>
    </div>

    {{if .Asm}}
    <div class="bg-gray-800 rounded-lg border border-gray-700">
        <div class="px-6 py-4 border-b border-gray-700">
            <h2 class="text-lg font-semibold text-white">Disassembly</h2>
        </div>
        <pre class="asm-listing mono text-sm text-gray-300 px-6 py-4">{{.Asm}}</pre>
    </div>
    {{end}}
    {{end}}
</div>
`

const runsTemplate = `
<div class="space-y-6">
    <h1 class="text-2xl font-bold text-white">Runs</h1>

    <div class="bg-gray-800 rounded-lg border border-gray-700 overflow-x-auto">
        {{if .Runs}}
        <table class="w-full text-sm">
            <thead>
                <tr class="text-left text-gray-400 border-b border-gray-700">
                    <th class="px-6 py-3">Run</th>
                    <th class="px-6 py-3">Program</th>
                    <th class="px-6 py-3">State</th>
                    <th class="px-6 py-3">Exit</th>
                    <th class="px-6 py-3">Steps</th>
                    <th class="px-6 py-3">Duration</th>
                    <th class="px-6 py-3">Started</th>
                </tr>
            </thead>
            <tbody>
                {{range .Runs}}
                <tr class="border-b border-gray-700/50 hover:bg-gray-700/30">
                    <td class="px-6 py-3"><a href="/runs/{{.RunID}}" class="mono text-blue-400 hover:text-blue-300">{{truncateHash .RunID.String 10}}</a></td>
                    <td class="px-6 py-3"><a href="/programs/{{.ImageID}}" class="mono text-gray-300 hover:text-white">{{truncateHash .ImageID.String 8}}</a></td>
                    <td class="px-6 py-3"><span class="{{stateColor .State}}">{{.State}}</span></td>
                    <td class="px-6 py-3 mono text-gray-300">{{.ExitCode}}</td>
                    <td class="px-6 py-3 text-gray-300">{{formatNumber .Steps}}</td>
                    <td class="px-6 py-3 text-gray-300">{{.Duration}}</td>
                    <td class="px-6 py-3 text-gray-400">{{formatTime .StartedAt}}</td>
                </tr>
                {{end}}
            </tbody>
        </table>
        {{else}}
        <p class="px-6 py-8 text-gray-500 text-center">No runs recorded yet</p>
        {{end}}
    </div>
</div>
`

const runDetailTemplate = `
<div class="space-y-6">
    {{if .Error}}
    <div class="bg-red-900/50 border border-red-500 rounded-lg p-4">
        <span class="text-red-200">{{.Error}}</span>
    </div>
    <a href="/runs" class="text-blue-400 hover:text-blue-300">&larr; Back to runs</a>
    {{else}}
    <div class="flex items-center justify-between">
        <h1 class="text-2xl font-bold text-white">Run <span class="mono text-xl">{{truncateHash .ID 10}}</span></h1>
        <a href="/runs" class="text-sm text-blue-400 hover:text-blue-300">&larr; Back to runs</a>
    </div>

    <div class="bg-gray-800 rounded-lg border border-gray-700 p-6">
        <dl class="grid grid-cols-1 md:grid-cols-2 gap-4 text-sm">
            <div>
                <dt class="text-gray-400">Program</dt>
                <dd><a href="/programs/{{.Run.ImageID}}" class="mono text-blue-400 hover:text-blue-300 break-all">{{.Run.ImageID}}</a></dd>
            </div>
            <div>
                <dt class="text-gray-400">State</dt>
                <dd class="{{stateColor .Run.State}} font-semibold">{{.Run.State}}{{if eq .Run.State.String "halted"}} (exit {{.Run.ExitCode}}){{end}}{{if eq .Run.State.String "trapped"}} (code {{.Run.TrapCode}}){{end}}</dd>
            </div>
            <div>
                <dt class="text-gray-400">Steps</dt>
                <dd class="text-gray-200">{{formatNumber .Run.Steps}}</dd>
            </div>
            <div>
                <dt class="text-gray-400">Duration</dt>
                <dd class="text-gray-200">{{.Run.Duration}}</dd>
            </div>
            <div>
                <dt class="text-gray-400">Started</dt>
                <dd class="text-gray-200">{{formatTime .Run.StartedAt}}</dd>
            </div>
            {{if .Run.Fault}}
            <div>
                <dt class="text-gray-400">Fault</dt>
                <dd class="text-red-400">{{.Run.Fault}}</dd>
            </div>
            {{end}}
        </dl>
    </div>

    {{if .Output}}
    <div class="bg-gray-800 rounded-lg border border-gray-700">
        <div class="px-6 py-4 border-b border-gray-700">
            <h2 class="text-lg font-semibold text-white">Output</h2>
        </div>
        <pre class="mono text-sm text-gray-300 px-6 py-4 whitespace-pre-wrap">{{.Output}}</pre>
    </div>
    {{end}}

    <!-- Registers -->
    <div class="bg-gray-800 rounded-lg border border-gray-700">
        <div class="px-6 py-4 border-b border-gray-700">
            <h2 class="text-lg font-semibold text-white">Final Registers</h2>
        </div>
        <div class="grid grid-cols-2 md:grid-cols-4 gap-px bg-gray-700/50">
            {{range $i, $v := .Run.Registers}}
            <div class="bg-gray-800 px-4 py-3">
                <span class="text-gray-400 text-xs">r{{$i}}</span>
                <p class="mono text-sm text-gray-200">{{printf "%#x" $v}}</p>
            </div>
            {{end}}
        </div>
    </div>

    {{if .Steps}}
    <div class="bg-gray-800 rounded-lg border border-gray-700">
        <div class="px-6 py-4 border-b border-gray-700 flex items-center justify-between">
            <h2 class="text-lg font-semibold text-white">Step Trace</h2>
            {{if .NextFrom}}<a href="/runs/{{.ID}}?from={{.NextFrom}}" class="text-sm text-blue-400 hover:text-blue-300">Next page &rarr;</a>{{end}}
        </div>
        <div class="asm-listing">
            <table class="w-full text-sm mono">
                <thead>
                    <tr class="text-left text-gray-400 border-b border-gray-700">
                        <th class="px-6 py-2">#</th>
                        <th class="px-6 py-2">PC</th>
                        <th class="px-6 py-2">Word</th>
                        <th class="px-6 py-2">Instruction</th>
                    </tr>
                </thead>
                <tbody>
                    {{range .Steps}}
                    <tr class="border-b border-gray-700/30">
                        <td class="px-6 py-1.5 text-gray-500">{{.Index}}</td>
                        <td class="px-6 py-1.5 text-gray-400">{{.PC}}</td>
                        <td class="px-6 py-1.5 text-gray-500">{{.Word}}</td>
                        <td class="px-6 py-1.5 text-gray-200">{{.Asm}}</td>
                    </tr>
                    {{end}}
                </tbody>
            </table>
        </div>
    </div>
    {{end}}
    {{end}}
</div>
`

const settingsTemplate = `
<div class="space-y-6">
    <h1 class="text-2xl font-bold text-white">Settings</h1>

    <div class="bg-gray-800 rounded-lg border border-gray-700 p-6">
        <h2 class="text-lg font-semibold text-white mb-4">Node</h2>
        <dl class="grid grid-cols-1 md:grid-cols-2 gap-4 text-sm">
            <div>
                <dt class="text-gray-400">Dashboard Address</dt>
                <dd class="mono text-gray-200">{{.DashboardAddress}}</dd>
            </div>
            <div>
                <dt class="text-gray-400">RPC Address</dt>
                <dd class="mono text-gray-200">{{if .RPCAddress}}{{.RPCAddress}}{{else}}&mdash;{{end}}</dd>
            </div>
            <div>
                <dt class="text-gray-400">Stored Programs</dt>
                <dd class="text-gray-200">{{formatNumber .ProgramCount}}</dd>
            </div>
        </dl>
    </div>

    <div class="bg-gray-800 rounded-lg border border-gray-700 p-6">
        <h2 class="text-lg font-semibold text-white mb-4">About</h2>
        <p class="text-gray-400 text-sm">tern executes 64-bit register machine programs and records their
        runs. Programs are submitted over JSON-RPC, stored by content hash, and every execution is archived
        with its final registers, captured output and, when requested, a full step trace.</p>
    </div>
</div>
`
