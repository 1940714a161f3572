package dashboard

// Static assets for the dashboard.
// These are embedded as strings for simplicity.
// In a larger application, you would use //go:embed with actual files.

// getStaticAsset returns a static asset by name.
// Returns the content, content type, and whether the asset was found.
func getStaticAsset(name string) (content string, contentType string, ok bool) {
	switch name {
	case "style.css":
		return cssStyles, "text/css", true
	case "app.js":
		return jsApp, "application/javascript", true
	default:
		return "", "", false
	}
}

// cssStyles contains additional custom CSS styles.
// Most styling is done via Tailwind CSS CDN, but we include some custom styles here.
const cssStyles = `
/* tern Dashboard Custom Styles */

/* Root variables */
:root {
    --color-primary: #3b82f6;
    --color-primary-hover: #2563eb;
    --color-success: #10b981;
    --color-warning: #f59e0b;
    --color-error: #ef4444;
    --color-bg-dark: #111827;
    --color-bg-card: #1f2937;
    --color-border: #374151;
    --color-text: #f9fafb;
    --color-text-muted: #9ca3af;
}

/* Base styles */
* {
    box-sizing: border-box;
}

body {
    font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, 'Helvetica Neue', Arial, sans-serif;
    background-color: var(--color-bg-dark);
    color: var(--color-text);
    line-height: 1.6;
}

/* Monospace font for IDs and disassembly */
.mono {
    font-family: ui-monospace, SFMono-Regular, 'SF Mono', Menlo, Monaco, Consolas, 'Liberation Mono', 'Courier New', monospace;
}

/* Custom scrollbar */
::-webkit-scrollbar {
    width: 8px;
    height: 8px;
}

::-webkit-scrollbar-track {
    background: var(--color-bg-dark);
}

::-webkit-scrollbar-thumb {
    background: var(--color-border);
    border-radius: 4px;
}

::-webkit-scrollbar-thumb:hover {
    background: #4b5563;
}

/* Card hover effects */
.card-hover {
    transition: transform 0.15s ease, box-shadow 0.15s ease;
}

.card-hover:hover {
    transform: translateY(-1px);
    box-shadow: 0 4px 12px rgba(0, 0, 0, 0.3);
}

/* Run state badges */
.state-halted { color: var(--color-success); }
.state-faulted { color: var(--color-error); }
.state-trapped { color: var(--color-warning); }
`

// jsApp contains shared client-side helpers.
const jsApp = `
// tern Dashboard helpers

// copyToClipboard copies the given text and briefly marks the trigger.
function copyToClipboard(text, el) {
    navigator.clipboard.writeText(text).then(() => {
        if (!el) return;
        const original = el.textContent;
        el.textContent = 'copied';
        setTimeout(() => { el.textContent = original; }, 1200);
    });
}

// relativeTime renders a timestamp as "Ns ago" style text.
function relativeTime(iso) {
    const then = new Date(iso).getTime();
    if (isNaN(then)) return iso;
    const secs = Math.floor((Date.now() - then) / 1000);
    if (secs < 60) return secs + 's ago';
    if (secs < 3600) return Math.floor(secs / 60) + 'm ago';
    if (secs < 86400) return Math.floor(secs / 3600) + 'h ago';
    return Math.floor(secs / 86400) + 'd ago';
}
`
