package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>RelayDesk Inbox</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --accent-2: #e88a3d;
      --danger: #c2483f;
      --muted: #6f7d7d;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: var(--paper);
      padding: 20px;
    }
    header { display: flex; gap: 12px; align-items: center; margin-bottom: 16px; }
    header input { flex: 1; padding: 8px; border: 1px solid var(--line); border-radius: 8px; }
    main { display: grid; grid-template-columns: 320px 1fr; gap: 16px; }
    section { background: var(--card); border: 1px solid var(--line); border-radius: 12px; padding: 12px; }
    ul { list-style: none; margin: 0; padding: 0; }
    li button {
      width: 100%; text-align: left; padding: 8px; margin-bottom: 6px;
      border: 1px solid var(--line); border-radius: 8px; background: white; cursor: pointer;
    }
    .status { font-size: 12px; color: var(--muted); text-transform: uppercase; }
    .msg { padding: 8px 0; border-bottom: 1px solid var(--line); }
    .msg small { color: var(--muted); }
    #state.ok { color: var(--accent); }
    #state.err { color: var(--danger); }
  </style>
</head>
<body>
  <header>
    <strong>RelayDesk</strong>
    <input id="token" type="password" placeholder="bearer token" />
    <span id="state">idle</span>
  </header>
  <main>
    <section><ul id="list"></ul></section>
    <section><div id="thread">select a conversation</div></section>
  </main>
  <script>
    (function () {
      const dom = {
        token: document.getElementById("token"),
        state: document.getElementById("state"),
        list: document.getElementById("list"),
        thread: document.getElementById("thread"),
      };
      const store = { selected: "", timer: null, intervalMs: 30000 };

      function setState(text, kind) {
        dom.state.textContent = text;
        dom.state.className = kind || "";
      }

      async function request(path) {
        const res = await fetch(path, {
          headers: {
            "Authorization": "Bearer " + dom.token.value.trim(),
            "X-Correlation-Id": "dash_" + Date.now(),
          },
        });
        const body = await res.json();
        if (!res.ok) {
          throw new Error(body && body.message ? body.message : res.statusText);
        }
        return body;
      }

      function renderList(items) {
        dom.list.innerHTML = "";
        items.forEach((item) => {
          const li = document.createElement("li");
          const btn = document.createElement("button");
          btn.textContent = item.subject;
          const status = document.createElement("div");
          status.className = "status";
          status.textContent = item.status;
          btn.appendChild(status);
          btn.addEventListener("click", function () {
            store.selected = item.id;
            loadThread();
          });
          li.appendChild(btn);
          dom.list.appendChild(li);
        });
      }

      function renderThread(c) {
        dom.thread.innerHTML = "";
        const title = document.createElement("h3");
        title.textContent = c.subject + " (" + c.status + ")";
        dom.thread.appendChild(title);
        [{ senderId: c.senderId, content: c.originalContent, createdAt: c.createdAt }].concat(c.replies || []).forEach((m) => {
          const div = document.createElement("div");
          div.className = "msg";
          const meta = document.createElement("small");
          meta.textContent = m.senderId + " at " + new Date(m.createdAt).toLocaleString();
          const text = document.createElement("div");
          text.textContent = m.content;
          div.appendChild(meta);
          div.appendChild(text);
          dom.thread.appendChild(div);
        });
      }

      async function loadThread() {
        if (!store.selected) {
          return;
        }
        try {
          renderThread(await request("/messages/" + encodeURIComponent(store.selected)));
        } catch (err) {
          setState(String(err && err.message ? err.message : err), "err");
        }
      }

      async function refresh() {
        if (document.visibilityState === "hidden" || !dom.token.value.trim()) {
          return;
        }
        try {
          const list = await request("/messages");
          renderList(Array.isArray(list) ? list : []);
          await loadThread();
          setState("updated " + new Date().toLocaleTimeString(), "ok");
          window.localStorage.setItem("relaydesk_dashboard_token", dom.token.value.trim());
        } catch (err) {
          setState(String(err && err.message ? err.message : err), "err");
        }
      }

      dom.token.addEventListener("change", refresh);
      document.addEventListener("visibilitychange", refresh);
      dom.token.value = window.localStorage.getItem("relaydesk_dashboard_token") || "";
      store.timer = setInterval(refresh, store.intervalMs);
      refresh();
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
