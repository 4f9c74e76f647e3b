package server

// indexHTML is a minimal control page driven by /api/events
const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>micsession</title>
    <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/@picocss/pico@2/css/pico.min.css">
</head>
<body>
<main class="container">
    <h1>micsession</h1>
    <p id="notice" hidden></p>
    <h2 id="elapsed">00:00</h2>
    <p id="status">IDLE</p>
    <div role="group">
        <button id="start">Start</button>
        <button id="toggle" class="secondary" disabled>Pause</button>
        <button id="stop" class="contrast" disabled>Stop</button>
    </div>
    <label for="device">Input device</label>
    <select id="device"></select>
    <p><a id="download" href="/api/recording" hidden>Download last recording</a></p>
</main>
<script>
const $ = (id) => document.getElementById(id);

function pad(n) { return String(n).padStart(2, "0"); }

function render(s) {
    $("elapsed").textContent = pad(Math.floor(s.elapsed_seconds / 60)) + ":" + pad(s.elapsed_seconds % 60);
    $("status").textContent = s.status + (s.finalizing ? " (finalizing)" : "");
    $("start").disabled = s.is_recording;
    $("toggle").disabled = !s.is_recording;
    $("toggle").textContent = s.is_paused ? "Resume" : "Pause";
    $("stop").disabled = !s.is_recording;
    $("download").hidden = !s.last_recording;

    const notice = $("notice");
    if (s.last_error === "NotAllowed") {
        notice.textContent = "Microphone access was denied. Allow access and try again.";
    } else if (s.last_error === "CaptureFailed") {
        notice.textContent = "The microphone could not be opened. Check that it is connected.";
    } else {
        notice.textContent = "";
    }
    notice.hidden = notice.textContent === "";

    const select = $("device");
    const devices = (s.devices || []).length ? s.devices : [{id: "default", label: "Default"}];
    select.innerHTML = "";
    for (const d of devices) {
        const opt = document.createElement("option");
        opt.value = d.id;
        opt.textContent = d.label || d.id;
        opt.selected = d.id === s.selected_device_id;
        select.appendChild(opt);
    }
}

async function post(path, body) {
    const res = await fetch(path, {
        method: "POST",
        headers: {"Content-Type": "application/json"},
        body: body ? JSON.stringify(body) : undefined,
    });
    const data = await res.json();
    if (data.status) render(data.status);
}

$("start").onclick = () => post("/api/start");
$("toggle").onclick = () => post("/api/toggle");
$("stop").onclick = () => post("/api/stop");
$("device").onchange = (e) => post("/api/device", {device_id: e.target.value});

function connect() {
    const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/api/events");
    ws.onmessage = (e) => render(JSON.parse(e.data));
    ws.onclose = () => setTimeout(connect, 1000);
}
connect();
</script>
</body>
</html>`
